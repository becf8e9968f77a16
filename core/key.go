package core

import "fmt"

// Environment selects the broker endpoint set.
type Environment string

const (
	EnvLive    Environment = "live"
	EnvTestnet Environment = "testnet"
	EnvPaper   Environment = "paper"
)

// InstanceKey uniquely identifies one running strategy instance. It is the
// routing key for ticks and the logical owner of journal rows.
type InstanceKey struct {
	UserID      string
	Strategy    string
	Instrument  string
	Broker      string
	Environment Environment
}

// String renders the key in its canonical routing form.
func (k InstanceKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", k.UserID, k.Strategy, k.Instrument, k.Broker, k.Environment)
}

// Validate checks that every key field is set.
func (k InstanceKey) Validate() error {
	switch {
	case k.UserID == "":
		return NewError(CodeValidation, "userId is required", nil)
	case k.Strategy == "":
		return NewError(CodeValidation, "strategyName is required", nil)
	case k.Instrument == "":
		return NewError(CodeValidation, "instrument is required", nil)
	case k.Broker == "":
		return NewError(CodeValidation, "broker is required", nil)
	case k.Environment == "":
		return NewError(CodeValidation, "environment is required", nil)
	}
	return nil
}
