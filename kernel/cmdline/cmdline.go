// Package cmdline parses the kernel command line from the boot-information
// record. Options take the form name=value and are separated by one or more
// spaces. Parsing never fails: unknown options and malformed values are
// collected and reported once the logging sink is available.
package cmdline

import "nucleos/kernel/kfmt"

// PAEOption describes the requested physical-address-extension policy.
type PAEOption int

const (
	// PAEAuto selects PAE paging iff the CPU supports it.
	PAEAuto PAEOption = iota

	// PAEDisable selects classical two-level paging on any CPU.
	PAEDisable

	// PAERequire selects PAE paging and makes boot fail fatally on CPUs
	// without PAE support.
	PAERequire
)

// Options holds the parsed command-line options.
type Options struct {
	PAE            PAEOption
	SerialEnable   bool
	SerialBaudRate int
	VGAEnable      bool
}

// maxParseErrors bounds the number of remembered malformed options.
const maxParseErrors = 8

var (
	options = defaults()

	parseErrors     [maxParseErrors]string
	parseErrorCount int
)

func defaults() Options {
	return Options{
		PAE:            PAEAuto,
		SerialEnable:   true,
		SerialBaudRate: 9600,
		VGAEnable:      true,
	}
}

// Parse parses the supplied command line and stores the result where Get can
// retrieve it. Later occurrences of an option override earlier ones.
func Parse(line string) {
	options = defaults()
	parseErrorCount = 0

	for start := 0; start < len(line); {
		if line[start] == ' ' {
			start++
			continue
		}

		end := start
		for end < len(line) && line[end] != ' ' {
			end++
		}

		parseOption(line[start:end])
		start = end
	}
}

// Get returns the options parsed by the last call to Parse.
func Get() *Options {
	return &options
}

// ReportParsingErrors logs one warning per malformed or unknown option seen
// by the last Parse call. It is called once the logging sink is registered.
func ReportParsingErrors() {
	for i := 0; i < parseErrorCount; i++ {
		kfmt.Printf("W cmdline: bad option: %s\n", parseErrors[i])
	}
}

func parseOption(opt string) {
	var name, value string

	for i := 0; i < len(opt); i++ {
		if opt[i] == '=' {
			name, value = opt[:i], opt[i+1:]
			break
		}
	}

	if name == "" {
		recordError(opt)
		return
	}

	switch name {
	case "pae":
		switch value {
		case "auto":
			options.PAE = PAEAuto
		case "disable":
			options.PAE = PAEDisable
		case "require":
			options.PAE = PAERequire
		default:
			recordError(opt)
		}
	case "serial_enable":
		if b, ok := parseBool(value); ok {
			options.SerialEnable = b
		} else {
			recordError(opt)
		}
	case "serial_baud_rate":
		if n, ok := parseInt(value); ok && n > 0 {
			options.SerialBaudRate = n
		} else {
			recordError(opt)
		}
	case "vga_enable":
		if b, ok := parseBool(value); ok {
			options.VGAEnable = b
		} else {
			recordError(opt)
		}
	default:
		recordError(opt)
	}
}

func recordError(opt string) {
	if parseErrorCount < maxParseErrors {
		parseErrors[parseErrorCount] = opt
		parseErrorCount++
	}
}

func parseBool(value string) (bool, bool) {
	switch value {
	case "true", "yes", "1":
		return true, true
	case "false", "no", "0":
		return false, true
	}
	return false, false
}

func parseInt(value string) (int, bool) {
	if value == "" {
		return 0, false
	}

	var n int
	for i := 0; i < len(value); i++ {
		if value[i] < '0' || value[i] > '9' {
			return 0, false
		}
		n = n*10 + int(value[i]-'0')
	}
	return n, true
}
