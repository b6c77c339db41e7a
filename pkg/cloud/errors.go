package cloud

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/aws/smithy-go"
)

// Class buckets a provider failure by how the caller should react.
type Class int

const (
	// ClassTransient failures are worth retrying with backoff.
	ClassTransient Class = iota
	// ClassNotFound means the referenced resource no longer exists.
	ClassNotFound
	// ClassCapacity means the provider cannot satisfy the request right
	// now. The demand stays queued; nothing is broken.
	ClassCapacity
	// ClassContract means the request itself was rejected. Retrying the
	// same call cannot succeed; the caller quarantines or surfaces it.
	ClassContract
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassNotFound:
		return "not_found"
	case ClassCapacity:
		return "capacity"
	case ClassContract:
		return "contract"
	}
	return "unknown"
}

// ErrNotFound marks resources the provider reports as gone. Adapters wrap
// it so Classify routes uniformly across providers.
var ErrNotFound = errors.New("resource not found")

var transientCodes = map[string]bool{
	"RequestLimitExceeded":   true,
	"Throttling":             true,
	"ThrottlingException":    true,
	"InternalError":          true,
	"InternalFailure":        true,
	"ServiceUnavailable":     true,
	"Unavailable":            true,
	"IncorrectInstanceState": true,
	"IncorrectState":         true,
}

var notFoundCodes = map[string]bool{
	"InvalidInstanceID.NotFound": true,
	"InvalidAMIID.NotFound":      true,
}

var capacityCodes = map[string]bool{
	"InsufficientInstanceCapacity": true,
	"InstanceLimitExceeded":        true,
	"MaxSpotInstanceCountExceeded": true,
	"VcpuLimitExceeded":            true,
	"UnfulfillableCapacity":        true,
}

// Classify buckets err for retry and escalation decisions. Unrecognized
// transport errors classify as transient; unrecognized provider rejections
// classify as contract.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}
	if errors.Is(err, ErrNotFound) {
		return ClassNotFound
	}

	var lab *labError
	if errors.As(err, &lab) {
		return lab.class()
	}

	var api smithy.APIError
	if errors.As(err, &api) {
		code := api.ErrorCode()
		switch {
		case notFoundCodes[code]:
			return ClassNotFound
		case capacityCodes[code]:
			return ClassCapacity
		case transientCodes[code]:
			return ClassTransient
		}
		return ClassContract
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassTransient
}

// IsNotFound reports whether err classifies as a missing resource.
func IsNotFound(err error) bool {
	return err != nil && Classify(err) == ClassNotFound
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == ClassTransient
}

// IsCapacity reports whether err means the provider is out of room.
func IsCapacity(err error) bool {
	return err != nil && Classify(err) == ClassCapacity
}

// IsContract reports whether err is a permanent rejection.
func IsContract(err error) bool {
	return err != nil && Classify(err) == ClassContract
}

// labError is a non-2xx response from a worker's lab daemon.
type labError struct {
	op     string
	status int
	body   string
}

func (e *labError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("lab daemon %s: status %d", e.op, e.status)
	}
	return fmt.Sprintf("lab daemon %s: status %d: %s", e.op, e.status, e.body)
}

func (e *labError) class() Class {
	switch {
	case e.status == 404:
		return ClassNotFound
	case e.status == 429 || e.status >= 500:
		return ClassTransient
	}
	return ClassContract
}
