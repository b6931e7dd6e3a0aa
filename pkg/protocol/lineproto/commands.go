package lineproto

import (
	"bufio"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/marmos91/coyote/pkg/processor"
)

// MaxDelay caps the delay accepted by async commands.
const MaxDelay = time.Hour

var (
	errUnknownCommand = errors.New("unknown command")
	errInvalidDelay   = errors.New("invalid delay")
)

const (
	verbPing     = "PING"
	verbEcho     = "ECHO"
	verbAsync    = "ASYNC"
	verbDispatch = "DISPATCH"
	verbError    = "ERROR"
	verbUpgrade  = "UPGRADE"
	verbQuit     = "QUIT"
)

type command struct {
	verb string
	arg  string
}

// parseCommand splits a line into an upper-cased verb and the rest.
func parseCommand(line string) command {
	line = strings.TrimLeft(line, " \t")
	verb, arg, _ := strings.Cut(line, " ")
	return command{verb: strings.ToUpper(verb), arg: strings.TrimSpace(arg)}
}

// parseDelay parses a millisecond delay. An empty argument is rejected
// unless optional is set, in which case it reports ok=false.
func parseDelay(arg string, optional bool) (d time.Duration, ok bool, err error) {
	if arg == "" {
		if optional {
			return 0, false, nil
		}
		return 0, false, errInvalidDelay
	}
	ms, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || ms < 0 || time.Duration(ms)*time.Millisecond > MaxDelay {
		return 0, false, errInvalidDelay
	}
	return time.Duration(ms) * time.Millisecond, true, nil
}

// readLine reads one line without its terminator. A line that does not
// fit in the read buffer is a protocol error.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		return "", processor.NewProtocolError(Name, "line too long", err)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}
