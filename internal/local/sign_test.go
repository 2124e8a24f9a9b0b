package local

import "testing"

func TestSignCommand(t *testing.T) {
	const (
		apiKey    = "deadbeef00112233"
		challenge = "0a0b0c0d"
	)

	tests := []struct {
		name    string
		command string
		value   string
		want    string
	}{
		{
			"power on",
			"power", "1",
			"c34cdad3a4f49e933d46fba664950450df21b298b325f8147b58948af0f85d6c",
		},
		{
			"height four",
			"height", "4",
			"ad62e3927072686c823fc6bae2d0e93d7aa1f40d313033b39083a4b998a29e88",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SignCommand(apiKey, challenge, tt.command, tt.value)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("SignCommand() = %s, want %s", got, tt.want)
			}

			// Byte-exact reproducibility on repeated runs.
			again, err := SignCommand(apiKey, challenge, tt.command, tt.value)
			if err != nil {
				t.Fatal(err)
			}
			if again != got {
				t.Errorf("SignCommand() not deterministic: %s vs %s", got, again)
			}
		})
	}
}

func TestSignCommandDifferentChallenges(t *testing.T) {
	a, err := SignCommand("deadbeef", "00", "power", "1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := SignCommand("deadbeef", "01", "power", "1")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("responses for different challenges must differ")
	}
}

func TestSignCommandRejectsBadHex(t *testing.T) {
	if _, err := SignCommand("not-hex", "00", "power", "1"); err == nil {
		t.Error("expected error for non-hex api key")
	}
	if _, err := SignCommand("deadbeef", "zz", "power", "1"); err == nil {
		t.Error("expected error for non-hex challenge")
	}
}
