package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Endpoint identifies one of the fixed communicating contexts.
type Endpoint string

const (
	Hub     Endpoint = "hub"
	Panel   Endpoint = "panel"
	Unbound Endpoint = "unbound"

	tabPrefix = "tab:"
)

// TabEndpoint returns the endpoint of the script bound to the given tab.
func TabEndpoint(tabID int) Endpoint {
	return Endpoint(tabPrefix + strconv.Itoa(tabID))
}

// ParseEndpoint validates s against the closed endpoint set.
func ParseEndpoint(s string) (Endpoint, error) {
	ep := Endpoint(strings.TrimSpace(s))
	switch ep {
	case Hub, Panel, Unbound:
		return ep, nil
	}
	if _, ok := ep.TabID(); ok {
		return ep, nil
	}
	return "", NewError(CodeValidation, fmt.Sprintf("invalid endpoint %q", s), nil)
}

// TabID returns the tab id of a tab endpoint.
func (e Endpoint) TabID() (int, bool) {
	rest, ok := strings.CutPrefix(string(e), tabPrefix)
	if !ok || rest == "" {
		return 0, false
	}
	id, err := strconv.Atoi(rest)
	if err != nil || id <= 0 || strconv.Itoa(id) != rest {
		return 0, false
	}
	return id, true
}

// IsTab reports whether e addresses a tab script.
func (e Endpoint) IsTab() bool {
	_, ok := e.TabID()
	return ok
}

// Concrete reports whether e may appear as an envelope source or target.
func (e Endpoint) Concrete() bool {
	switch e {
	case Hub, Panel:
		return true
	}
	return e.IsTab()
}

func (e Endpoint) String() string { return string(e) }
