package candle

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Bin blob layout for the completed-candle store: a big-endian uint32 record
// count followed by fixed records of
// [tick_price f64][buy_vol f64][sell_vol f64][trade_count u32].
const binRecordSize = 8 + 8 + 8 + 4

// EncodeBins serializes a bin sequence preserving order.
func EncodeBins(bins []PriceBin) []byte {
	buf := make([]byte, 4+len(bins)*binRecordSize)
	binary.BigEndian.PutUint32(buf, uint32(len(bins)))
	off := 4
	for _, b := range bins {
		binary.BigEndian.PutUint64(buf[off:], math.Float64bits(b.TickPrice))
		binary.BigEndian.PutUint64(buf[off+8:], math.Float64bits(b.BuyVolume))
		binary.BigEndian.PutUint64(buf[off+16:], math.Float64bits(b.SellVolume))
		binary.BigEndian.PutUint32(buf[off+24:], uint32(b.TradeCount))
		off += binRecordSize
	}
	return buf
}

// DecodeBins deserializes a bin blob. TotalVolume is reconstructed from the
// stored buy and sell volumes.
func DecodeBins(data []byte) ([]PriceBin, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("bin blob too short: %d bytes", len(data))
	}
	n := int(binary.BigEndian.Uint32(data))
	if len(data) != 4+n*binRecordSize {
		return nil, fmt.Errorf("bin blob length mismatch: header says %d records, have %d bytes", n, len(data))
	}
	bins := make([]PriceBin, n)
	off := 4
	for i := 0; i < n; i++ {
		buy := math.Float64frombits(binary.BigEndian.Uint64(data[off+8:]))
		sell := math.Float64frombits(binary.BigEndian.Uint64(data[off+16:]))
		bins[i] = PriceBin{
			TickPrice:   math.Float64frombits(binary.BigEndian.Uint64(data[off:])),
			BuyVolume:   buy,
			SellVolume:  sell,
			TotalVolume: round8(buy + sell),
			TradeCount:  int64(binary.BigEndian.Uint32(data[off+24:])),
		}
		off += binRecordSize
	}
	return bins, nil
}
