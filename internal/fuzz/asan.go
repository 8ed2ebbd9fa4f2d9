package fuzz

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ASanFrame is one frame of an AddressSanitizer stack trace.
type ASanFrame struct {
	Function string
	// Location is file:line with the column stripped, or the module the
	// frame belongs to when no source is known.
	Location string
}

// ASanReport is the part of a sanitizer report needed for an error file.
type ASanReport struct {
	Description string
	Frames      []ASanFrame
}

// frames of the sanitizer runtime itself are dropped
var asanRuntimePrefixes = []string{"__interceptor_", "__asan_", "__sanitizer_"}

// ParseASan extracts the report from the output of the reproducer. It
// returns nil if the output contains no sanitizer error.
func ParseASan(output string) *ASanReport {
	if !strings.Contains(output, "==ERROR:") {
		return nil
	}
	report := &ASanReport{}
	lines := strings.Split(output, "\n")

	start := -1
	for i, line := range lines {
		if strings.Contains(line, "==ERROR:") && report.Description == "" {
			if j := strings.Index(line, "Sanitizer:"); j >= 0 {
				if words := strings.Fields(line[j+len("Sanitizer:"):]); len(words) > 0 {
					report.Description = words[0]
				}
			}
		}
		if start < 0 && strings.HasPrefix(strings.TrimSpace(line), "#0 ") {
			start = i
		}
	}
	if report.Description == "" {
		report.Description = "unknown-crash"
	}
	if start < 0 {
		return report
	}

	for n, i := 0, start; i < len(lines); n, i = n+1, i+1 {
		words := strings.Fields(lines[i])
		if len(words) < 4 || words[0] != "#"+strconv.Itoa(n) {
			break
		}
		fn := words[3]
		if isRuntimeFrame(fn) {
			continue
		}
		report.Frames = append(report.Frames, ASanFrame{Function: fn, Location: stripColumn(words[len(words)-1])})
	}
	return report
}

func isRuntimeFrame(fn string) bool {
	for _, prefix := range asanRuntimePrefixes {
		if strings.HasPrefix(fn, prefix) {
			return true
		}
	}
	return false
}

// stripColumn turns file:line:col into file:line.
func stripColumn(location string) string {
	parts := strings.Split(location, ":")
	if len(parts) < 3 {
		return location
	}
	if _, err := strconv.Atoi(parts[len(parts)-1]); err != nil {
		return location
	}
	if _, err := strconv.Atoi(parts[len(parts)-2]); err != nil {
		return location
	}
	return strings.Join(parts[:len(parts)-1], ":")
}

// splitLocation splits file:line.
func splitLocation(location string) (string, int, bool) {
	i := strings.LastIndexByte(location, ':')
	if i <= 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(location[i+1:])
	if err != nil {
		return "", 0, false
	}
	return location[:i], n, true
}

// WriteErrorFile stores the report in the error file format KLEE uses, so
// fuzzing errors are registered like every other error.
func (r *ASanReport) WriteErrorFile(path, input string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Error: %s\n", r.Description)
	if len(r.Frames) > 0 {
		if file, line, ok := splitLocation(r.Frames[0].Location); ok {
			fmt.Fprintf(&b, "File: %s\nline: %d\n", file, line)
		}
	}
	b.WriteString("Stack:\n")
	for i, f := range r.Frames {
		fmt.Fprintf(&b, "\t#%09d in %s () at %s\n", i, f.Function, f.Location)
	}
	b.WriteString("Info:\n")
	if input != "" {
		fmt.Fprintf(&b, "\tfuzzer input: %s\n", input)
	}
	return os.WriteFile(path, []byte(b.String()), 0644)
}
