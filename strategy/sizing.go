package strategy

import "github.com/quantbyte/razor/core"

// HardLeverageCap is the platform-wide leverage ceiling, applied regardless
// of the per-broker limit.
const HardLeverageCap = 50.0

// SizeRequest carries everything needed to turn a notional into contracts.
type SizeRequest struct {
	Notional       float64 // target position value in quote currency
	Price          float64
	Equity         float64
	AvailableFunds float64
	LeverageCap    float64 // user/strategy cap; 0 means broker limit only
	Info           core.InstrumentInfo
}

// ContractAmount converts a notional order value into a contract amount on
// the instrument step grid, enforcing margin and leverage limits.
func ContractAmount(req SizeRequest) (float64, error) {
	step := req.Info.MinTradeAmount
	if req.Price <= 0 || req.Notional <= 0 {
		return 0, core.NewError(core.CodeValidation, "notional and price must be positive", nil)
	}

	cap := effectiveLeverageCap(req.LeverageCap, req.Info.MaxLeverage)

	amount := RoundToStep(req.Notional/req.Price, step)
	if amount < step {
		return 0, core.NewError(core.CodeAmountTooSmall, "order amount below instrument minimum", map[string]any{
			"amount":  amount,
			"minimum": step,
		})
	}

	// Downsize to the largest step multiple whose notional respects the cap.
	if req.Equity > 0 {
		maxNotional := cap * req.Equity
		if amount*req.Price > maxNotional {
			amount = FloorToStep(maxNotional/req.Price, step)
			if amount < step {
				return 0, core.NewError(core.CodeLeverageExceeded, "leverage cap cannot be met at minimum step", map[string]any{
					"cap":         cap,
					"equity":      req.Equity,
					"minimumStep": step,
				})
			}
		}
	}

	required := amount * req.Price / cap
	if req.AvailableFunds > 0 && required > req.AvailableFunds {
		return 0, core.NewError(core.CodeInsufficientMargin, "required margin exceeds available funds", map[string]any{
			"required":  required,
			"available": req.AvailableFunds,
		})
	}

	return amount, nil
}

func effectiveLeverageCap(userCap, brokerCap float64) float64 {
	cap := HardLeverageCap
	if brokerCap > 0 && brokerCap < cap {
		cap = brokerCap
	}
	if userCap > 0 && userCap < cap {
		cap = userCap
	}
	return cap
}
