package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    *Config
		wantErr bool
	}{
		{
			name: "empty",
			in:   "",
			want: Default(),
		},
		{
			name: "full",
			in: `
bridge:
  keyx: "000000"
  default_visibility: false
device:
  keyx: "1234"
  username: admin
  password: hunter2
devices:
  - id: SN-1
    visible: true
    description: kitchen lamp
  - id: SN-2
    visible: false
`,
			want: &Config{
				Bridge: BridgeConfig{KeyX: "000000"},
				Device: DeviceCredentials{KeyX: "1234", Username: "admin", Password: "hunter2"},
				Devices: []DeviceEntry{
					{ID: "SN-1", Visible: true, Description: "kitchen lamp"},
					{ID: "SN-2"},
				},
			},
		},
		{
			name: "visibility defaults on",
			in:   "devices: [{id: a, visible: true}]\n",
			want: &Config{
				Bridge:  BridgeConfig{DefaultVisibility: true},
				Devices: []DeviceEntry{{ID: "a", Visible: true}},
			},
		},
		{
			name:    "unknown field",
			in:      "bridge: {color: blue}\n",
			wantErr: true,
		},
		{
			name:    "missing id",
			in:      "devices: [{visible: true}]\n",
			wantErr: true,
		},
		{
			name:    "duplicate id",
			in:      "devices: [{id: a}, {id: a}]\n",
			wantErr: true,
		},
		{
			name:    "not yaml",
			in:      "<config/>: [",
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse([]byte(tc.in))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Parse succeeded, want error. Got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if diff := cmp.Diff(got, tc.want, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Parse wrong result (-got+want):\n%s", diff)
			}
		})
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "Mock Adapter"+Ext)

	got, created, err := Load(path)
	if err != nil {
		t.Fatalf("Load of missing file: %v", err)
	}
	if !created {
		t.Error("Load of missing file did not report creation")
	}
	if diff := cmp.Diff(got, Default()); diff != "" {
		t.Errorf("Load of missing file is not default (-got+want):\n%s", diff)
	}

	want := Default()
	want.Bridge.KeyX = "secret"
	want.Device.EcdheEcdsaCertChain = "-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----\n"
	want.Add(DeviceEntry{ID: "SN-1", Visible: true, Description: "Lamp"})
	if err := want.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, created, err = Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if created {
		t.Error("Load of saved file reported creation")
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Load after Save wrong result (-got+want):\n%s", diff)
	}

	ents, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(ents) != 1 {
		t.Errorf("Save left %d files behind, want 1", len(ents))
	}
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad"+Ext)
	if err := os.WriteFile(path, []byte("devices: 42\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := Load(path); err == nil {
		t.Error("Load of invalid file succeeded")
	}
}

func TestDevices(t *testing.T) {
	c := Default()
	if c.Find("a").Present() {
		t.Error("Find on empty config found an entry")
	}
	if err := c.Add(DeviceEntry{}); err == nil {
		t.Error("Add of entry without ID succeeded")
	}

	c.Add(DeviceEntry{ID: "a", Visible: true})
	c.Add(DeviceEntry{ID: "b"})
	c.Add(DeviceEntry{ID: "a", Description: "replaced"})

	want := []DeviceEntry{{ID: "a", Description: "replaced"}, {ID: "b"}}
	if diff := cmp.Diff(c.Devices, want); diff != "" {
		t.Errorf("entries wrong (-got+want):\n%s", diff)
	}
	if got, ok := c.Find("a").GetOK(); !ok || got.Description != "replaced" {
		t.Errorf("Find(a) = %v, %v", got, ok)
	}

	if !c.Remove("a") {
		t.Error("Remove(a) found nothing")
	}
	if c.Remove("a") {
		t.Error("second Remove(a) found an entry")
	}
	if diff := cmp.Diff(c.Devices, []DeviceEntry{{ID: "b"}}); diff != "" {
		t.Errorf("entries after Remove wrong (-got+want):\n%s", diff)
	}
}

func TestMergeFrom(t *testing.T) {
	dst := &Config{
		Bridge: BridgeConfig{DefaultVisibility: true},
		Devices: []DeviceEntry{
			{ID: "a", Visible: true},
			{ID: "b", Visible: true},
		},
	}
	src := &Config{
		Bridge: BridgeConfig{KeyX: "k"},
		Device: DeviceCredentials{Username: "u"},
		Devices: []DeviceEntry{
			{ID: "b", Visible: false, Description: "hidden"},
			{ID: "c", Visible: true},
		},
	}
	before := dst.Clone()
	dst.MergeFrom(src)

	want := &Config{
		Bridge: BridgeConfig{KeyX: "k"},
		Device: DeviceCredentials{Username: "u"},
		Devices: []DeviceEntry{
			{ID: "a", Visible: true},
			{ID: "b", Description: "hidden"},
			{ID: "c", Visible: true},
		},
	}
	if diff := cmp.Diff(dst, want); diff != "" {
		t.Errorf("MergeFrom wrong result (-got+want):\n%s", diff)
	}
	if before.Devices[1].Description != "" {
		t.Error("Clone shares device storage with the original")
	}
	if dst.CredentialsEqual(before) {
		t.Error("CredentialsEqual true after credentials changed")
	}
	if !dst.CredentialsEqual(dst.Clone()) {
		t.Error("CredentialsEqual false for a clone")
	}
	if !dst.ConfigAccessSecured() || before.ConfigAccessSecured() {
		t.Error("ConfigAccessSecured does not follow the bridge key")
	}
}
