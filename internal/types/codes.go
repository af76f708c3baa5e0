package types

// ErrorCode is the syscall-level status code surfaced to processes.
// CodeOK is success; syscall return marshaling encodes it as a success
// variant rather than a failure carrying a code.
type ErrorCode uint32

// Syscall status codes, as seen by userspace.
const (
	CodeOK          ErrorCode = 0  // success
	CodeFail        ErrorCode = 1  // generic failure
	CodeBusy        ErrorCode = 2  // resource busy, retry later
	CodeAlready     ErrorCode = 3  // operation already in progress
	CodeOff         ErrorCode = 4  // device is powered down
	CodeReserve     ErrorCode = 5  // reservation required first
	CodeInvalid     ErrorCode = 6  // invalid argument
	CodeSize        ErrorCode = 7  // size mismatch or limit exceeded
	CodeCancel      ErrorCode = 8  // operation was cancelled
	CodeNoMem       ErrorCode = 9  // out of memory
	CodeNoSupport   ErrorCode = 10 // operation not supported
	CodeNoDevice    ErrorCode = 11 // no such device/driver
	CodeUninstalled ErrorCode = 12 // resource not installed
	CodeNoAck       ErrorCode = 13 // no acknowledgment received
)

var codeNames = map[ErrorCode]string{
	CodeOK:          "OK",
	CodeFail:        "FAIL",
	CodeBusy:        "BUSY",
	CodeAlready:     "ALREADY",
	CodeOff:         "OFF",
	CodeReserve:     "RESERVE",
	CodeInvalid:     "INVAL",
	CodeSize:        "SIZE",
	CodeCancel:      "CANCEL",
	CodeNoMem:       "NOMEM",
	CodeNoSupport:   "NOSUPPORT",
	CodeNoDevice:    "NODEVICE",
	CodeUninstalled: "UNINSTALLED",
	CodeNoAck:       "NOACK",
}

// String implements fmt.Stringer.
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}
