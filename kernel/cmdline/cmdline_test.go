package cmdline

import "testing"

func TestParsePAEOptions(t *testing.T) {
	specs := []struct {
		line string
		exp  PAEOption
	}{
		{"", PAEAuto},
		{"pae=auto", PAEAuto},
		{"pae=disable", PAEDisable},
		{"pae=require", PAERequire},
		{"pae=disable pae=require", PAERequire},
		{"serial_enable=no pae=require vga_enable=yes", PAERequire},
		{"pae=bogus", PAEAuto},
	}

	for specIndex, spec := range specs {
		Parse(spec.line)

		if got := Get().PAE; got != spec.exp {
			t.Errorf("[spec %d] expected PAE option %d for %q; got %d", specIndex, spec.exp, spec.line, got)
		}
	}
}

func TestParseSerialAndVGAOptions(t *testing.T) {
	Parse("serial_enable=no serial_baud_rate=115200 vga_enable=false")

	opts := Get()
	if opts.SerialEnable {
		t.Error("expected serial_enable to be false")
	}

	if exp := 115200; opts.SerialBaudRate != exp {
		t.Errorf("expected serial_baud_rate %d; got %d", exp, opts.SerialBaudRate)
	}

	if opts.VGAEnable {
		t.Error("expected vga_enable to be false")
	}
}

func TestParseDefaultsRestoredBetweenCalls(t *testing.T) {
	Parse("serial_baud_rate=115200")
	Parse("")

	if exp := 9600; Get().SerialBaudRate != exp {
		t.Errorf("expected the default baud rate %d; got %d", exp, Get().SerialBaudRate)
	}
}

func TestParseRecordsErrors(t *testing.T) {
	specs := []struct {
		line     string
		expCount int
	}{
		{"", 0},
		{"pae=require", 0},
		{"noise", 1},
		{"frobnicate=yes pae=bogus serial_baud_rate=fast", 3},
		{"a=1 b=2 c=3 d=4 e=5 f=6 g=7 h=8 i=9 j=10", maxParseErrors},
	}

	for specIndex, spec := range specs {
		Parse(spec.line)

		if parseErrorCount != spec.expCount {
			t.Errorf("[spec %d] expected %d recorded errors for %q; got %d", specIndex, spec.expCount, spec.line, parseErrorCount)
		}
	}
}
