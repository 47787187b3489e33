package gpio

import "testing"

func TestBrightnessToDutyCycle(t *testing.T) {
	cases := []struct {
		brightness int
		want       int
	}{
		{0, 0},
		{100, 255},
		{50, 127},
		{-10, 0},
		{150, 255},
	}
	for _, c := range cases {
		if got := BrightnessToDutyCycle(c.brightness); got != c.want {
			t.Errorf("BrightnessToDutyCycle(%d) = %d, want %d", c.brightness, got, c.want)
		}
	}
}

func TestMockWriteRequiresConfiguredPin(t *testing.T) {
	m := NewMock()
	if err := m.Write(1, true); err == nil {
		t.Errorf("expected error writing to unconfigured pin")
	}
}

func TestMockConfigureOutputRoundTrip(t *testing.T) {
	m := NewMock()
	m.ConfigureOutput(1)
	if err := m.Write(1, true); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := m.Read(1)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !got {
		t.Errorf("Read = false, want true")
	}
}

func TestMockWriteDutyCycleMasks(t *testing.T) {
	m := NewMock()
	m.ConfigurePWM(1)
	if err := m.WriteDutyCycle(1, 0x1FF); err != nil {
		t.Fatalf("WriteDutyCycle: %v", err)
	}
	if got := m.DutyCycle(1); got != 0xFF {
		t.Errorf("DutyCycle = %#x, want %#x", got, 0xFF)
	}
}
