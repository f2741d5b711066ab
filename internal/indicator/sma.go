package indicator

import "fmt"

// SMA is a simple moving average over a preallocated circular buffer.
type SMA struct {
	period  int
	buf     []float64
	idx     int
	count   int
	sum     float64
	current float64
}

// NewSMA creates an SMA. period must be positive.
func NewSMA(period int) *SMA {
	if period <= 0 {
		period = 1
	}
	return &SMA{period: period, buf: make([]float64, period)}
}

func (s *SMA) Name() string { return fmt.Sprintf("SMA_%d", s.period) }

func (s *SMA) Update(price float64) {
	if s.count >= s.period {
		s.sum -= s.buf[s.idx]
	}
	s.buf[s.idx] = price
	s.sum += price
	s.idx = (s.idx + 1) % s.period
	s.count++

	if s.count >= s.period {
		s.current = s.sum / float64(s.period)
	}
}

func (s *SMA) Value() float64 { return s.current }
func (s *SMA) Ready() bool    { return s.count >= s.period }

// Peek before Ready averages what has been seen plus price.
func (s *SMA) Peek(price float64) float64 {
	if s.count < s.period {
		return (s.sum + price) / float64(s.count+1)
	}
	return (s.sum - s.buf[s.idx] + price) / float64(s.period)
}
