package provider

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Section is one "[name]" block of an INI style state file. Key order is kept.
type Section struct {
	Name   string
	keys   []string
	values map[string]string
}

// NewSection creates an empty section.
func NewSection(name string) *Section {
	return &Section{Name: name, values: make(map[string]string)}
}

// Set stores a value, keeping the position of an existing key.
func (s *Section) Set(key, value string) {
	if _, ok := s.values[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.values[key] = value
}

// Get returns the value stored for key.
func (s *Section) Get(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Keys returns the keys in insertion order.
func (s *Section) Keys() []string {
	return append([]string(nil), s.keys...)
}

// WriteSections writes sections in INI format.
func WriteSections(w io.Writer, sections []*Section) error {
	bw := bufio.NewWriter(w)
	for i, sec := range sections {
		if i > 0 {
			bw.WriteString("\n")
		}
		fmt.Fprintf(bw, "[%s]\n", sec.Name)
		for _, k := range sec.keys {
			fmt.Fprintf(bw, "%s=%s\n", k, sec.values[k])
		}
	}
	return bw.Flush()
}

// ReadSections parses INI text. Blank lines and lines starting with ';' or '#'
// are ignored; keys outside a section are an error.
func ReadSections(r io.Reader) ([]*Section, error) {
	var out []*Section
	var cur *Section
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == ';' || line[0] == '#' {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			cur = NewSection(strings.TrimSpace(line[1 : len(line)-1]))
			out = append(out, cur)
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: expected key=value", lineNum)
		}
		if cur == nil {
			return nil, fmt.Errorf("line %d: key outside of a section", lineNum)
		}
		cur.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	return out, scanner.Err()
}
