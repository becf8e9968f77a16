package logger

// Nop returns a logger that discards everything. Used by tests.
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) WithField(string, any) Logger { return nopLogger{} }
func (nopLogger) WithFields(map[string]any) Logger { return nopLogger{} }
func (nopLogger) WithError(error) Logger { return nopLogger{} }
func (nopLogger) Trace(...any) {}
func (nopLogger) Debug(...any) {}
func (nopLogger) Info(...any) {}
func (nopLogger) Warn(...any) {}
func (nopLogger) Error(...any) {}
func (nopLogger) Fatal(...any) {}
func (nopLogger) Tracef(string, ...any) {}
func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Infof(string, ...any) {}
func (nopLogger) Warnf(string, ...any) {}
func (nopLogger) Errorf(string, ...any) {}
func (nopLogger) Fatalf(string, ...any) {}
func (nopLogger) SetLevel(Level) {}
func (nopLogger) GetLevel() Level { return Disabled }
