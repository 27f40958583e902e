// File: promise/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package promise

import "errors"

// ErrNoneResolved is the rejection of MapAny over an empty input.
var ErrNoneResolved = errors.New("no promise resolved")
