package marketdata

import (
	"github.com/markcheno/go-talib"

	"ensemble-trader/pkg/types"
)

// ComputeIndicators derives the feature map from 5m candles. Indicators
// whose lookback exceeds the available history are omitted rather than
// emitted as zeros.
func ComputeIndicators(candles []types.Candle) map[string]float64 {
	n := len(candles)
	ind := make(map[string]float64)
	if n == 0 {
		return ind
	}

	opens := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	volumes := make([]float64, n)
	for i, c := range candles {
		opens[i] = c.Open
		highs[i] = c.High
		lows[i] = c.Low
		closes[i] = c.Close
		volumes[i] = c.Volume
	}

	last := n - 1
	ind[types.IndVolume] = volumes[last]

	if n > 14 {
		rsi := talib.Rsi(closes, 14)
		ind[types.IndRSI] = rsi[last]
		ind[types.IndRSI14] = rsi[last]
		ind[types.IndATR] = talib.Atr(highs, lows, closes, 14)[last]
		if closes[last] > 0 {
			ind[types.IndATRPercent] = ind[types.IndATR] / closes[last]
		}
	}
	if n > 28 {
		ind[types.IndRSI28] = talib.Rsi(closes, 28)[last]
		ind[types.IndADX] = talib.Adx(highs, lows, closes, 14)[last]
	}

	for _, ema := range []struct {
		key    string
		period int
	}{
		{types.IndEMA9, 9},
		{types.IndEMA20, 20},
		{types.IndEMA50, 50},
		{types.IndEMA200, 200},
	} {
		if n >= ema.period {
			ind[ema.key] = talib.Ema(closes, ema.period)[last]
		}
	}

	if n >= 34 {
		macd, signal, hist := talib.Macd(closes, 12, 26, 9)
		ind[types.IndMACD] = macd[last]
		ind[types.IndMACDSignal] = signal[last]
		ind[types.IndMACDHist] = hist[last]
	}

	if n >= 20 {
		upper, middle, lower := talib.BBands(closes, 20, 2.0, 2.0, talib.SMA)
		ind[types.IndBBUpper] = upper[last]
		ind[types.IndBBMiddle] = middle[last]
		ind[types.IndBBLower] = lower[last]
		if middle[last] > 0 {
			ind[types.IndBBWidth] = (upper[last] - lower[last]) / middle[last]
		}
		if band := upper[last] - lower[last]; band > 0 {
			ind[types.IndBBPosition] = (closes[last] - lower[last]) / band
		}

		volSMA := talib.Sma(volumes, 20)[last]
		ind[types.IndVolumeSMA20] = volSMA
		if volSMA > 0 {
			ind[types.IndVolumeRatio] = volumes[last] / volSMA
		}
	}

	if n >= 2 {
		ind[types.IndOBV] = talib.Obv(closes, volumes)[last]
	}

	if n > 10 && closes[n-11] > 0 {
		ind[types.IndPriceMomentum] = (closes[last] - closes[n-11]) / closes[n-11]
	}

	c := candles[last]
	if span := c.High - c.Low; span > 0 {
		body := c.Close - c.Open
		if body < 0 {
			body = -body
		}
		top := c.Open
		bottom := c.Close
		if c.Close > c.Open {
			top, bottom = c.Close, c.Open
		}
		ind[types.IndBodyRatio] = body / span
		ind[types.IndUpperShadow] = (c.High - top) / span
		ind[types.IndLowerShadow] = (bottom - c.Low) / span
	}

	return ind
}
