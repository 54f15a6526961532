package agent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// StartupInfo is printed as a single line of JSON once the agent is listening.
type StartupInfo struct {
	Port  uint16 `json:"port"`
	Token string `json:"token"`
}

// NewToken returns a random 32 character hex token.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// WriteStartupLine writes info in exactly the form launchers expect.
func WriteStartupLine(w io.Writer, info StartupInfo) error {
	_, err := fmt.Fprintf(w, "{\"port\": %d, \"token\": %q}\n", info.Port, info.Token)
	return err
}

// ParseStartupLine parses the startup line that an agent prints on stdout.
func ParseStartupLine(line string) (StartupInfo, error) {
	var info StartupInfo
	err := json.Unmarshal([]byte(line), &info)
	if err != nil {
		return StartupInfo{}, fmt.Errorf("parsing startup line %q: %w", line, err)
	}
	if info.Port == 0 {
		return StartupInfo{}, fmt.Errorf("startup line %q has no port", line)
	}
	return info, nil
}

// ReadStartupLine reads and parses the first line of r, such as the stdout of an agent process.
// It may read past the end of the line.
func ReadStartupLine(r io.Reader) (StartupInfo, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil {
		return StartupInfo{}, fmt.Errorf("reading startup line: %w", err)
	}
	return ParseStartupLine(line)
}
