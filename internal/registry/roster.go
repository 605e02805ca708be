package registry

import "fmt"

// roster is the insertion-ordered sequence of authorized worker handles.
// A worker's index is its position at the time it asks; the index is not
// stable across roster mutation, which is an accepted consistency window.
type roster struct {
	handles []string
}

func (r *roster) add(handle string) error {
	if handle == "" {
		return fmt.Errorf("worker handle must not be empty")
	}
	for _, h := range r.handles {
		if h == handle {
			return fmt.Errorf("worker %q already on roster", handle)
		}
	}
	r.handles = append(r.handles, handle)
	return nil
}

func (r *roster) remove(handle string) error {
	for i, h := range r.handles {
		if h == handle {
			r.handles = append(r.handles[:i], r.handles[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("worker %q not on roster", handle)
}

func (r *roster) contains(handle string) bool {
	for _, h := range r.handles {
		if h == handle {
			return true
		}
	}
	return false
}

func (r *roster) index(handle string) (int, bool) {
	for i, h := range r.handles {
		if h == handle {
			return i, true
		}
	}
	return 0, false
}

func (r *roster) count() int {
	return len(r.handles)
}

func (r *roster) list() []string {
	return append([]string(nil), r.handles...)
}
