package backend

import (
	"time"

	"google.golang.org/grpc"
)

// Fully-qualified methods of the hospital backend. Requests and responses
// are google.protobuf.Struct so the bridge does not depend on generated stubs.
const (
	toolsService  = "hospital.v1.Tools"
	invokeMethod  = "/hospital.v1.Tools/Invoke"
	contextMethod = "/hospital.v1.Tools/LookupCallContext"
)

// Options configures the backend client
type Options struct {
	// Target is a gRPC target, e.g. backend:50051 or dns:///backend:50051
	Target     string
	TLSEnabled bool
	// Timeout bounds one unary call including retries
	Timeout time.Duration
	// DialOptions are appended after the defaults
	DialOptions []grpc.DialOption
}
