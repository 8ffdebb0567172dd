package device

import "sync"

const (
	// SimPins is the number of pins the simulated GPIO exposes.
	SimPins = 40
	// MaxDuty is the largest PWM duty value (8-bit resolution).
	MaxDuty = 255
	MaxFreq = 40000
)

type pwm struct {
	duty, freq int
}

// SimGPIO keeps pin state in memory.
type SimGPIO struct {
	mu    sync.Mutex
	state map[int]int
	pwm   map[int]pwm
}

func NewSimGPIO() *SimGPIO {
	return &SimGPIO{state: make(map[int]int), pwm: make(map[int]pwm)}
}

func checkPin(pin int) error {
	if pin < 0 || pin >= SimPins {
		return Errorf("invalid_pin", "pin %d out of range 0..%d", pin, SimPins-1)
	}
	return nil
}

func (g *SimGPIO) SetGPIO(pin, state int) error {
	if err := checkPin(pin); err != nil {
		return err
	}
	if state != 0 {
		state = 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pwm, pin)
	g.state[pin] = state
	return nil
}

func (g *SimGPIO) GPIO(pin int) (int, error) {
	if err := checkPin(pin); err != nil {
		return 0, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state[pin], nil
}

func (g *SimGPIO) SetPWM(pin, duty, freq int) error {
	if err := checkPin(pin); err != nil {
		return err
	}
	if duty < 0 || duty > MaxDuty {
		return Errorf("invalid_duty", "duty %d out of range 0..%d", duty, MaxDuty)
	}
	if freq <= 0 || freq > MaxFreq {
		return Errorf("invalid_freq", "freq %d out of range 1..%d", freq, MaxFreq)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pwm[pin] = pwm{duty: duty, freq: freq}
	if duty > 0 {
		g.state[pin] = 1
	} else {
		g.state[pin] = 0
	}
	return nil
}
