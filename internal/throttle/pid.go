// Package throttle implements the per-device thermal PID controller: a
// fixed-period loop that converts (measured temperature, setpoint) into a
// 0-100% throttle and detects sustained thermal runaway. Grounded on the
// ticker-driven monitor goroutines in kangaroo-exccd's cpuminer
// speedMonitor (periodic sampling under a shared timer, mutex-guarded
// state) adapted from hash-rate sampling to temperature control.
package throttle

import (
	"math"
	"sync"
	"time"
)

// Period is the fixed tick interval the PID loop runs at.
const Period = 2000 * time.Millisecond

// runawayHysteresis is the degrees below setpoint the runaway counter still
// treats as "still hot" once it has started climbing (h=0.75 when R>0,
// else h=0, per the design).
const runawayHysteresis = 0.75

// decayFactor is the per-tick decay applied to the runaway counter while
// temperature is below the hysteresis band (0.75 * period, per the design).
const decayFactor = 0.75

// Gains holds the PID tuning constants. Defaults Kp=8 Ki=4 Kd=1.
type Gains struct {
	Kp float64
	Ki float64
	Kd float64
}

// DefaultGains returns the documented defaults.
func DefaultGains() Gains { return Gains{Kp: 8, Ki: 4, Kd: 1} }

// Controller is one device's PID throttle loop. Setpoint < 0 disables the
// loop entirely (Tick becomes a no-op returning the last throttle).
type Controller struct {
	mu sync.Mutex

	gains    Gains
	setpoint float64 // °C; negative disables

	integral float64
	prevErr  float64
	haveErr  bool

	throttle int // 0-100, last computed value

	runawayMS      float64
	shutdownSecs   float64
	shutdownArmed  bool
}

// New returns a Controller with the given setpoint (°C), shutdown window
// (seconds of sustained near-setpoint heat before runaway fires), and PID
// gains.
func New(setpointC float64, shutdownSeconds float64, gains Gains) *Controller {
	return &Controller{
		gains:        gains,
		setpoint:     setpointC,
		shutdownSecs: shutdownSeconds,
	}
}

// SetGains updates the PID tuning constants at runtime (Farm.tune_pid).
func (c *Controller) SetGains(g Gains) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gains = g
}

// SetSetpoint updates the target temperature; negative disables the loop.
func (c *Controller) SetSetpoint(celsius float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setpoint = celsius
}

// SetSetpointAndShutdown updates both the target temperature and the
// runaway shutdown window (Farm.thermal_protection).
func (c *Controller) SetSetpointAndShutdown(celsius, shutdownSeconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setpoint = celsius
	c.shutdownSecs = shutdownSeconds
}

// Tick advances the controller by one Period given a fresh temperature
// reading, returning the new throttle percent and whether thermal runaway
// has now been declared (a one-shot signal; once true it stays true until
// the caller replaces this Controller).
func (c *Controller) Tick(measuredC float64) (throttlePercent int, runaway bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.setpoint < 0 {
		return c.throttle, c.shutdownArmed
	}

	dt := Period.Seconds()
	e := measuredC - c.setpoint

	c.integral = clamp(c.integral+c.gains.Ki*e*dt, 0, 100)

	var d float64
	if c.haveErr {
		d = (e - c.prevErr) / dt
	}
	c.prevErr = e
	c.haveErr = true

	u := c.gains.Kp*e + c.integral + c.gains.Kd*d
	c.throttle = int(clamp(math.Round(u), 0, 100))

	hyst := 0.0
	if c.runawayMS > 0 {
		hyst = runawayHysteresis
	}
	periodMS := float64(Period / time.Millisecond)
	if measuredC > c.setpoint-hyst {
		c.runawayMS += periodMS
	} else {
		c.runawayMS -= decayFactor * periodMS
		if c.runawayMS < 0 {
			c.runawayMS = 0
		}
	}

	if !c.shutdownArmed && c.runawayMS > c.shutdownSecs*1000 {
		c.shutdownArmed = true
	}

	return c.throttle, c.shutdownArmed
}

// Throttle returns the most recently computed throttle percent without
// advancing the loop.
func (c *Controller) Throttle() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.throttle
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
