// File: internal/reqcontext/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reqcontext

import "github.com/momentics/enclavehttp/api"

var errNotWebSocket = api.NewKindError(api.KindServerFault, "context is not bound to a websocket")
