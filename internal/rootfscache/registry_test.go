package rootfscache

import "testing"

func TestLinuxPlatformForArch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		goArch      string
		wantArch    string
		wantVariant string
	}{
		{goArch: "amd64", wantArch: "amd64"},
		{goArch: "arm64", wantArch: "arm64", wantVariant: "v8"},
		{goArch: "riscv64", wantArch: "riscv64"},
	}

	for _, tc := range tests {
		t.Run(tc.goArch, func(t *testing.T) {
			t.Parallel()
			got := linuxPlatformForArch(tc.goArch)
			if got.OS != "linux" {
				t.Fatalf("unexpected OS: got %q want %q", got.OS, "linux")
			}
			if got.Architecture != tc.wantArch {
				t.Fatalf("unexpected architecture: got %q want %q", got.Architecture, tc.wantArch)
			}
			if got.Variant != tc.wantVariant {
				t.Fatalf("unexpected variant: got %q want %q", got.Variant, tc.wantVariant)
			}
		})
	}
}
