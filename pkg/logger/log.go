package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

type LogStatus int

const (
	VERBOSE LogStatus = iota
	DEBUG
	INFO
	SUCCESS
	NEW
	REMOVE
	STOP
	WARNING
	ERROR
	FATAL
)

var minLevel = INFO

func (e LogStatus) String() string {
	return []string{
		"V",
		"D",
		"I",
		"✓",
		"+",
		"-",
		"X",
		"!",
		"!!",
		"PANIC",
	}[e]
}

// Level returns the integer level of this status, suitable for
// use with SetMinLoggingLevel.
func (e LogStatus) Level() int { return int(e) }

func (e LogStatus) Color() *color.Color {
	return []*color.Color{
		color.New(color.FgWhite, color.Italic),                //Verbose
		color.New(color.FgWhite, color.Italic),                //Debug
		color.New(color.FgWhite),                              //Info
		color.New(color.FgHiGreen),                            //Success
		color.New(color.FgGreen, color.Italic),                //New
		color.New(color.FgYellow, color.Italic),               //Remove
		color.New(color.FgHiYellow),                           //Stop
		color.New(color.FgYellow, color.Underline),            //Warning
		color.New(color.FgHiRed, color.Bold),                  //Error
		color.New(color.FgHiRed, color.Bold, color.Underline), //PANIC
	}[e]
}

// ParseLevel converts a textual level (e.g. "debug") in to a
// LogStatus. Unknown names return INFO and false.
func ParseLevel(name string) (LogStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "verbose":
		return VERBOSE, true
	case "debug":
		return DEBUG, true
	case "info", "":
		return INFO, true
	case "warning", "warn":
		return WARNING, true
	case "error":
		return ERROR, true
	}

	return INFO, false
}

type Logger interface {
	Emit(LogStatus, string, ...interface{})
	Verbosef(string, ...interface{})
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Successf(string, ...interface{})
	Warnf(string, ...interface{})
	Errorf(string, ...interface{})
	Fatalf(string, ...interface{})
	Printf(string, ...interface{})
}

type loggerImpl struct {
	name string
}

func (l *loggerImpl) Emit(status LogStatus, message string, interpolations ...interface{}) {
	Log.Emit(status, l.name, message, interpolations...)
}

func (l *loggerImpl) Verbosef(m string, a ...interface{}) { l.Emit(VERBOSE, m, a...) }
func (l *loggerImpl) Debugf(m string, a ...interface{})   { l.Emit(DEBUG, m, a...) }
func (l *loggerImpl) Infof(m string, a ...interface{})    { l.Emit(INFO, m, a...) }
func (l *loggerImpl) Successf(m string, a ...interface{}) { l.Emit(SUCCESS, m, a...) }
func (l *loggerImpl) Warnf(m string, a ...interface{})    { l.Emit(WARNING, m, a...) }
func (l *loggerImpl) Errorf(m string, a ...interface{})   { l.Emit(ERROR, m, a...) }

// Printf is provided so a Logger can be handed to libraries which
// expect a printf-style logger (e.g. goose). Messages are emitted at INFO.
func (l *loggerImpl) Printf(m string, a ...interface{}) {
	if !strings.HasSuffix(m, "\n") {
		m += "\n"
	}
	l.Emit(INFO, m, a...)
}

// Fatalf emits the message at FATAL and exits the process.
func (l *loggerImpl) Fatalf(m string, a ...interface{}) {
	l.Emit(FATAL, m, a...)
	os.Exit(1)
}

type LoggerManager interface {
	GetLogger(string) Logger
	Emit(LogStatus, string, string, ...interface{})
}

var Log LoggerManager = &loggerMgr{
	offset: 0,
}

type loggerMgr struct {
	sync.Mutex
	offset int
}

func (l *loggerMgr) GetLogger(name string) Logger {
	return &loggerImpl{name: name}
}

func (l *loggerMgr) Emit(status LogStatus, name string, message string, interpolations ...interface{}) {
	if status < minLevel {
		return
	}

	l.Lock()
	defer l.Unlock()

	l.setNameOffset(len(name))
	padding := strings.Repeat(" ", l.offset-len(name))
	msg := fmt.Sprintf("[%s] %s(%s) %s", name, padding, status, fmt.Sprintf(message, interpolations...))

	status.Color().Print(msg)
}

func (l *loggerMgr) setNameOffset(offset int) {
	if offset > l.offset {
		l.offset = offset
	}
}

// SetMinLoggingLevel sets the minimum level a message must have to be
// printed. Out of range values are clamped.
func SetMinLoggingLevel(level int) {
	if level < int(VERBOSE) {
		level = int(VERBOSE)
	} else if level > int(FATAL) {
		level = int(FATAL)
	}

	minLevel = LogStatus(level)
}

func Get(name string) Logger {
	return Log.GetLogger(name)
}
