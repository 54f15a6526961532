package protocol

import "fmt"

const (
	// ExitCodeAbnormal is reported when a process ended without a conventional exit code,
	// e.g. it was killed by a signal.
	ExitCodeAbnormal int32 = -1
	// ExitCodeLaunchFailed is reported when a process could not be started at all.
	ExitCodeLaunchFailed int32 = -2
)

// SpawnRequest asks the agent to launch one process.
// ID is chosen by the client and must be unique among its in-flight requests on the connection.
type SpawnRequest struct {
	ID   uint32            `json:"id"`
	Path string            `json:"path"`
	Args []string          `json:"args"`
	Cwd  string            `json:"cwd"`
	Env  map[string]string `json:"env"`
}

// AuthRequest is the optional first document on a connection when the agent requires a token.
type AuthRequest struct {
	Token string `json:"token"`
}

// OutputStreamType identifies which output stream of a process a chunk was read from.
// Its value is the wire tag of the output frame.
type OutputStreamType uint8

const (
	Stdout OutputStreamType = 1
	Stderr OutputStreamType = 2
)

func (t OutputStreamType) String() string {
	switch t {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return fmt.Sprintf("stream(%d)", uint8(t))
	}
}

// tagExit is the wire tag of an exit frame.
const tagExit uint8 = 0

// SpawnResponse is either a ChildOutput or a ChildExit.
type SpawnResponse interface {
	ResponseID() uint32
	spawnResponse()
}

// ChildOutput is one chunk of output read from a process.
type ChildOutput struct {
	RequestID uint32
	Source    OutputStreamType
	Data      []byte
}

// ChildExit is the last response for a request.
type ChildExit struct {
	RequestID uint32
	Status    int32
}

func (o ChildOutput) ResponseID() uint32 { return o.RequestID }
func (e ChildExit) ResponseID() uint32   { return e.RequestID }

func (ChildOutput) spawnResponse() {}
func (ChildExit) spawnResponse()   {}
