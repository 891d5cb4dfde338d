package layer

import (
	"errors"
	"fmt"

	"github.com/unkn0wn-root/cascluster"
	pr "github.com/unkn0wn-root/cascluster/provider"
)

// Error kinds carried by RemoteError. Methods may return errors with their
// own kind by implementing Kinded.
const (
	KindNotFound    = "not_found"
	KindUnavailable = "unavailable"
	KindPanic       = "panic"
	KindError       = "error"
)

// Kinded lets a method error choose the kind reported to a remote caller.
type Kinded interface {
	Kind() string
}

// RemoteError is an error raised on another node. Kinds not_found and
// unavailable match cascluster.ErrNotFound and provider.ErrUnavailable.
type RemoteError struct {
	Node    string
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("layer: node %s: %s: %s", e.Node, e.Kind, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	switch e.Kind {
	case KindNotFound:
		return target == cascluster.ErrNotFound
	case KindUnavailable:
		return target == pr.ErrUnavailable
	}
	return false
}

// kindOf classifies an error raised while serving a request.
func kindOf(err error) string {
	var re *RemoteError
	var k Kinded
	var pe *cascluster.PanicError
	switch {
	case errors.As(err, &re):
		return re.Kind
	case errors.As(err, &k):
		return k.Kind()
	case errors.As(err, &pe):
		return KindPanic
	case errors.Is(err, cascluster.ErrNotFound):
		return KindNotFound
	case errors.Is(err, pr.ErrUnavailable):
		return KindUnavailable
	}
	return KindError
}
