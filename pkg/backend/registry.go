package backend

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-delve/dma/pkg/logflags"
)

var (
	driversMu sync.RWMutex
	drivers   = map[string]Driver{}
	// imageDrivers are probed, in registration order, for locators that
	// are a bare file path.
	imageDrivers []string
)

// Register makes a driver available under scheme. If image is true the
// driver is also probed for bare file paths. Register panics if called
// twice for the same scheme.
func Register(scheme string, d Driver, image bool) {
	driversMu.Lock()
	defer driversMu.Unlock()
	scheme = strings.ToLower(scheme)
	if _, dup := drivers[scheme]; dup {
		panic("backend: Register called twice for scheme " + scheme)
	}
	drivers[scheme] = d
	if image {
		imageDrivers = append(imageDrivers, scheme)
	}
}

// Schemes returns the registered locator schemes, sorted.
func Schemes() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	r := make([]string, 0, len(drivers))
	for scheme := range drivers {
		r = append(r, scheme)
	}
	sort.Strings(r)
	return r
}

// Locator is a parsed device locator string of the form
//
//	scheme://target[,key=value...]
//
// The target and parameters are interpreted only by the driver. A locator
// without "://" is a path to a memory image file.
type Locator struct {
	Raw    string
	Scheme string
	Target string
	Params map[string]string
}

// ParseLocator splits a device locator string into its parts.
func ParseLocator(s string) (Locator, error) {
	loc := Locator{Raw: s, Params: map[string]string{}}
	if strings.TrimSpace(s) == "" {
		return loc, errors.New("empty device locator")
	}
	i := strings.Index(s, "://")
	if i < 0 {
		loc.Target = s
		return loc, nil
	}
	loc.Scheme = strings.ToLower(s[:i])
	if loc.Scheme == "" {
		return loc, fmt.Errorf("missing scheme in device locator %q", s)
	}
	rest := s[i+len("://"):]
	if rest == "" {
		return loc, nil
	}
	for j, field := range strings.Split(rest, ",") {
		if k := strings.Index(field, "="); k > 0 {
			loc.Params[field[:k]] = field[k+1:]
			continue
		}
		if j != 0 {
			return loc, fmt.Errorf("malformed parameter %q in device locator %q", field, s)
		}
		loc.Target = field
	}
	return loc, nil
}

// Param returns the value of parameter key or def if it is not set.
func (loc Locator) Param(key, def string) string {
	if v, ok := loc.Params[key]; ok {
		return v
	}
	return def
}

// Open parses locator and opens a connection through the matching driver.
func Open(locator string) (Conn, error) {
	loc, err := ParseLocator(locator)
	if err != nil {
		return nil, err
	}
	logger := logflags.BackendLogger()

	if loc.Scheme != "" {
		driversMu.RLock()
		d, ok := drivers[loc.Scheme]
		driversMu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownScheme, loc.Scheme)
		}
		logger.Debugf("opening %s with driver %q", locator, loc.Scheme)
		return d.Open(loc)
	}

	driversMu.RLock()
	probe := make([]string, len(imageDrivers))
	copy(probe, imageDrivers)
	driversMu.RUnlock()

	for _, scheme := range probe {
		driversMu.RLock()
		d := drivers[scheme]
		driversMu.RUnlock()
		conn, err := d.Open(loc)
		if errors.Is(err, ErrUnrecognizedFormat) {
			logger.Debugf("%s is not a %s image", loc.Target, scheme)
			continue
		}
		if err == nil {
			logger.Debugf("opened %s as %s image", loc.Target, scheme)
		}
		return conn, err
	}
	return nil, fmt.Errorf("%s: %w", loc.Target, ErrUnrecognizedFormat)
}
