package types

// Well-known indicator names. The core treats the indicator map as opaque;
// these constants exist so the collector and model payloads agree on keys.
const (
	IndRSI            = "rsi"
	IndRSI14          = "rsi_14"
	IndRSI28          = "rsi_28"
	IndVolume         = "volume"
	IndVolumeSMA20    = "volume_sma_20"
	IndVolumeRatio    = "volume_ratio"
	IndEMA9           = "ema_9"
	IndEMA20          = "ema_20"
	IndEMA50          = "ema_50"
	IndEMA200         = "ema_200"
	IndMACD           = "macd"
	IndMACDSignal     = "macd_signal"
	IndMACDHist       = "macd_hist"
	IndBBUpper        = "bb_upper"
	IndBBMiddle       = "bb_middle"
	IndBBLower        = "bb_lower"
	IndBBWidth        = "bb_width"
	IndBBPosition     = "bb_position"
	IndATR            = "atr"
	IndATRPercent     = "atr_percent"
	IndOBV            = "obv"
	IndADX            = "adx"
	IndBodyRatio      = "candle_body_ratio"
	IndUpperShadow    = "candle_upper_shadow"
	IndLowerShadow    = "candle_lower_shadow"
	IndPriceMomentum  = "price_momentum"
)
