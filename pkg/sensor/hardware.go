package sensor

import (
	"sort"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// StaticHardware is a Hardware whose answers come from configuration rather
// than from probing a device. It backs the CLI and the tests, and doubles as
// an enrollment source for key stores: the digest of the enrolled template ids
// changes whenever a template is added or removed.
type StaticHardware struct {
	mu        sync.RWMutex
	present   bool
	secured   bool
	platform  int
	templates []string
}

// NewStaticHardware returns hardware that is present and secured and has the
// given template ids enrolled.
func NewStaticHardware(templates ...string) *StaticHardware {
	return &StaticHardware{
		present:   true,
		secured:   true,
		templates: append([]string(nil), templates...),
	}
}

// SetPresent toggles sensor presence.
func (h *StaticHardware) SetPresent(present bool) {
	h.mu.Lock()
	h.present = present
	h.mu.Unlock()
}

// SetSecured toggles the lock-screen state.
func (h *StaticHardware) SetSecured(secured bool) {
	h.mu.Lock()
	h.secured = secured
	h.mu.Unlock()
}

// SetPlatformVersion sets the version reported by PlatformVersion.
func (h *StaticHardware) SetPlatformVersion(v int) {
	h.mu.Lock()
	h.platform = v
	h.mu.Unlock()
}

// Enroll replaces the enrolled template set.
func (h *StaticHardware) Enroll(templates ...string) {
	h.mu.Lock()
	h.templates = append([]string(nil), templates...)
	h.mu.Unlock()
}

func (h *StaticHardware) IsHardwarePresent() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.present
}

func (h *StaticHardware) IsDeviceSecured() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.secured
}

func (h *StaticHardware) HasEnrolledBiometric() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.templates) > 0
}

func (h *StaticHardware) PlatformVersion() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.platform
}

// EnrollmentID returns the digest of the enrolled template set.
func (h *StaticHardware) EnrollmentID() ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return EnrollmentDigest(h.templates), nil
}

// EnrollmentDigest hashes a set of template ids with BLAKE2b-256. The result
// does not depend on the order of ids.
func EnrollmentDigest(ids []string) []byte {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	// New256 only fails for oversized keys.
	h, _ := blake2b.New256(nil)
	for _, id := range sorted {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return h.Sum(nil)
}
