package notifysync

import (
	"strings"
	"sync"
)

// Navigator is the host's view of the current client location.
type Navigator interface {
	Location() string
	Navigate(path string)
}

// MemoryNavigator keeps the location in memory. OnNavigate, when set, is called
// after every navigation.
type MemoryNavigator struct {
	OnNavigate func(path string)

	mu       sync.Mutex
	location string
}

func NewMemoryNavigator(location string) *MemoryNavigator {
	if strings.TrimSpace(location) == "" {
		location = "/"
	}
	return &MemoryNavigator{location: location}
}

func (n *MemoryNavigator) Location() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.location
}

func (n *MemoryNavigator) Navigate(path string) {
	if strings.TrimSpace(path) == "" {
		path = "/"
	}
	n.mu.Lock()
	n.location = path
	hook := n.OnNavigate
	n.mu.Unlock()
	if hook != nil {
		hook(path)
	}
}

// underPath reports whether location equals path or is nested below it. Query
// strings and fragments are ignored.
func underPath(location, path string) bool {
	location = cleanPath(location)
	path = cleanPath(path)
	if path == "" || location == "" {
		return false
	}
	if path == "/" || location == path {
		return true
	}
	return strings.HasPrefix(location, path+"/")
}

func cleanPath(p string) string {
	p = strings.TrimSpace(p)
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if len(p) > 1 {
		if p = strings.TrimRight(p, "/"); p == "" {
			p = "/"
		}
	}
	return p
}
