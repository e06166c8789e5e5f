package dsb

import "testing"

func TestEncodeNames(t *testing.T) {
	tests := []struct {
		name string
		fn   func(string) string
		in   string
		want string
	}{
		{"object", EncodeBusObjectName, "Living Room Lamp", "Living_Room_Lamp"},
		{"object", EncodeBusObjectName, "a.b/c", "a/b/c"},
		{"object", EncodeBusObjectName, "/leading/trailing.", "leading/trailing"},
		{"object", EncodeBusObjectName, "drop-these!", "dropthese"},
		{"object", EncodeBusObjectName, "", ""},

		{"member", EncodeMemberName, "set level", "SetLevel"},
		{"member", EncodeMemberName, "get_current-value", "GetCurrentValue"},
		{"member", EncodeMemberName, "42 answers", "Answers"},
		{"member", EncodeMemberName, "x2y", "X2y"},
		{"member", EncodeMemberName, "Change_Of_Value", "ChangeOfValue"},
		{"member", EncodeMemberName, "!!!", ""},

		{"interface", EncodeInterfaceName, "com.example.Light-Switch", "com.example.LightSwitch"},
		{"interface", EncodeInterfaceName, ".trim.me.", "trim.me"},

		{"service", EncodeServiceName, "My Device", "MyDevice"},
		{"service", EncodeServiceName, "3dprinter", "_3dprinter"},
		{"service", EncodeServiceName, "SN-001", "SN001"},

		{"root", EncodeRootServiceName, "com.example.bridge", "com.example.bridge"},
		{"root", EncodeRootServiceName, "com.9lives", "com._9lives"},
		{"root", EncodeRootServiceName, ".com.ex-ample.", "com.example"},

		{"app", EncodeAppName, "Zig Bee!", "ZigBee"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.fn(tc.in)
			if got != tc.want {
				t.Errorf("encode(%q) = %q, want %q", tc.in, got, tc.want)
			}
			if again := tc.fn(got); again != got {
				t.Errorf("encode(%q) is not idempotent: %q then %q", tc.in, got, again)
			}
		})
	}
}

func TestMemberNamer(t *testing.T) {
	var n memberNamer
	got := []string{
		n.name("level"),
		n.name("Level"),
		n.name("on off"),
		n.name("level"),
		n.name("OnOff"),
	}
	want := []string{"Level", "Level_1", "OnOff", "Level_2", "OnOff_3"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("name %d = %q, want %q", i, got[i], want[i])
		}
	}
}
