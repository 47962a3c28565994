package candle

// Timeframe is one of the closed set of supported candle intervals.
type Timeframe struct {
	Name    string `json:"name"`
	Seconds int64  `json:"seconds"`
	Order   int    `json:"order"`
}

// Timeframes is the full supported set in canonical sort order.
var Timeframes = []Timeframe{
	{Name: "1s", Seconds: 1, Order: 0},
	{Name: "5s", Seconds: 5, Order: 1},
	{Name: "15s", Seconds: 15, Order: 2},
	{Name: "1m", Seconds: 60, Order: 3},
	{Name: "5m", Seconds: 300, Order: 4},
	{Name: "15m", Seconds: 900, Order: 5},
	{Name: "1h", Seconds: 3600, Order: 6},
	{Name: "4h", Seconds: 14400, Order: 7},
	{Name: "1d", Seconds: 86400, Order: 8},
}

var timeframesByName = func() map[string]Timeframe {
	m := make(map[string]Timeframe, len(Timeframes))
	for _, tf := range Timeframes {
		m[tf.Name] = tf
	}
	return m
}()

// TimeframeByName looks up a timeframe by its canonical name.
func TimeframeByName(name string) (Timeframe, bool) {
	tf, ok := timeframesByName[name]
	return tf, ok
}

// PeriodMillis returns the timeframe duration in milliseconds.
func (tf Timeframe) PeriodMillis() int64 { return tf.Seconds * 1000 }

// AlignMillis floors a millisecond timestamp to the timeframe boundary.
func (tf Timeframe) AlignMillis(ts int64) int64 {
	period := tf.PeriodMillis()
	return ts - ts%period
}
