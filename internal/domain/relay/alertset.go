package relay

import (
	"database/sql/driver"
	"fmt"
	"sort"
	"strings"
)

// AlertSet is a set of watcher ids. It behaves as a set at the API boundary
// and serializes to flat comma-joined text at the storage edge.
type AlertSet map[string]struct{}

func NewAlertSet(ids ...string) AlertSet {
	s := AlertSet{}
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

func (s AlertSet) Add(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	s[id] = struct{}{}
}

func (s AlertSet) Remove(id string) {
	delete(s, id)
}

func (s AlertSet) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

func (s AlertSet) Len() int { return len(s) }

// IDs returns the members in stable order.
func (s AlertSet) IDs() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s AlertSet) Value() (driver.Value, error) {
	return strings.Join(s.IDs(), ","), nil
}

func (s *AlertSet) Scan(src interface{}) error {
	var raw string
	switch v := src.(type) {
	case nil:
		*s = AlertSet{}
		return nil
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T into AlertSet", src)
	}
	out := AlertSet{}
	for _, part := range strings.Split(raw, ",") {
		out.Add(part)
	}
	*s = out
	return nil
}
