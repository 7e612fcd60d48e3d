package client

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Roster is the list of faculties allowed to request resources, each with the
// programs it offers. Loaded from a plain text file with one faculty per
// line:
//
//	Engineering, Systems, Civil
//	Science, Physics
//
// A faculty listed without programs accepts any program name.
type Roster struct {
	programs map[string][]string
}

// LoadRoster reads the roster file. Blank lines and lines starting with #
// are skipped.
func LoadRoster(path string) (*Roster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open roster: %w", err)
	}
	defer f.Close()

	r := &Roster{programs: make(map[string][]string)}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ",")
		faculty := strings.TrimSpace(parts[0])
		if faculty == "" {
			continue
		}
		var progs []string
		for _, p := range parts[1:] {
			if p = strings.TrimSpace(p); p != "" {
				progs = append(progs, p)
			}
		}
		r.programs[faculty] = progs
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	if len(r.programs) == 0 {
		return nil, fmt.Errorf("roster %s lists no faculties", path)
	}
	return r, nil
}

// KnownFaculty reports whether the faculty appears in the roster.
func (r *Roster) KnownFaculty(name string) bool {
	_, ok := r.programs[name]
	return ok
}

// Allows reports whether the faculty offers the program. Faculties listed
// without programs allow any.
func (r *Roster) Allows(faculty, program string) bool {
	progs, ok := r.programs[faculty]
	if !ok {
		return false
	}
	if len(progs) == 0 {
		return true
	}
	for _, p := range progs {
		if p == program {
			return true
		}
	}
	return false
}

// Faculties returns the roster's faculty names.
func (r *Roster) Faculties() []string {
	out := make([]string, 0, len(r.programs))
	for name := range r.programs {
		out = append(out, name)
	}
	return out
}
