package trace

import "time"

// Tag is an event category. Tags are stored without the # prefix.
type Tag string

const (
	Activation Tag = "activation"
	Directive  Tag = "directive"
	Callback   Tag = "callback"
	Libc       Tag = "libc"
	Malloc     Tag = "malloc"
	String     Tag = "string"
	Propagate  Tag = "propagate"
	Fallback   Tag = "fallback"
)

// Tags is an ordered set; the first tag is primary.
type Tags []Tag

func (t Tags) Has(tag Tag) bool {
	for _, x := range t {
		if x == tag {
			return true
		}
	}
	return false
}

func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

// Strings returns the tags with # prefix for display.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Event is a non-instruction occurrence recorded alongside the instruction
// stream: an activation change, a directive, or a stub call.
type Event struct {
	Seq       uint64 // sequence number of the next instruction record
	PC        uint64
	Thread    uint32
	Tags      Tags
	Name      string
	Detail    string
	Timestamp time.Time
}

// NewEvent creates an event with a primary tag.
func NewEvent(pc uint64, tag Tag, name, detail string) *Event {
	return &Event{
		PC:        pc,
		Tags:      Tags{tag},
		Name:      name,
		Detail:    detail,
		Timestamp: time.Now(),
	}
}

// Enrich adds secondary tags derived from the primary tag and name.
func Enrich(e *Event) {
	if len(e.Tags) == 0 || e.Tags[0] != Libc {
		return
	}
	switch e.Name {
	case "malloc", "calloc", "realloc", "free":
		e.Tags.Add(Malloc)
	case "memcpy", "memmove", "memset", "strcpy", "strncpy", "strlen", "strdup":
		e.Tags.Add(String)
	}
}
