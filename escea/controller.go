package escea

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
)

// ControllerState is the lifecycle state of a Controller.
type ControllerState int

const (
	StateReady ControllerState = iota
	StateBusy
	StateNonResponsive
	StateDisconnected
)

func (s ControllerState) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateBusy:
		return "BUSY"
	case StateNonResponsive:
		return "NON_RESPONSIVE"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return fmt.Sprintf("ControllerState(%d)", int(s))
	}
}

// FanMode is one of the three fan configurations a fireplace can report,
// derived from two device booleans.
type FanMode int

const (
	FanAuto FanMode = iota
	FanBoost
	FanFlameEffect
)

func (f FanMode) String() string {
	switch f {
	case FanAuto:
		return "AUTO"
	case FanBoost:
		return "FAN_BOOST"
	case FanFlameEffect:
		return "FLAME_EFFECT"
	default:
		return fmt.Sprintf("FanMode(%d)", int(f))
	}
}

func fanModeFromBooleans(fanBoostIsOn, flameEffect bool) FanMode {
	switch {
	case fanBoostIsOn:
		return FanBoost
	case flameEffect:
		return FanFlameEffect
	default:
		return FanAuto
	}
}

// Tunable timing constants. All are variables (not untyped consts) so
// tests can shrink them, mirroring the original Python implementation's
// mocker.patch('pescea.controller.REFRESH_INTERVAL', ...) pattern.
var (
	RefreshInterval       = 30 * time.Second
	NotifyRefreshInterval = 300 * time.Second
	RetryInterval         = 10 * time.Second
	RetryTimeout          = 60 * time.Second
	DisconnectedInterval  = 300 * time.Second
	OnOffBusyWaitTime     = 66 * time.Second
)

// settings is the per-controller system model: either the live (authoritative)
// copy or the prior-notified snapshot.
type settings struct {
	ipAddress    string
	deviceUID    string
	fireIsOn     bool
	fanMode      FanMode
	desiredTemp  int
	currentTemp  int
	hasNewTimers bool
}

func (s settings) equalObservable(o settings) bool {
	return s.fireIsOn == o.fireIsOn &&
		s.fanMode == o.fanMode &&
		s.desiredTemp == o.desiredTemp &&
		s.currentTemp == o.currentTemp &&
		s.hasNewTimers == o.hasNewTimers
}

// callbackSink is the non-owning handle a Controller holds back to its
// owning Discovery service, avoiding a cyclic ownership graph between them.
type callbackSink interface {
	controllerReconnected(c *Controller)
	controllerDisconnected(c *Controller, cause error)
	controllerUpdate(c *Controller)
}

// Controller owns one physical fireplace, identified by serial number and
// reachable at an IP address.
type Controller struct {
	sink  callbackSink
	token *sendToken

	mu       sync.Mutex
	live     settings
	prior    settings
	haveSnap bool

	state        ControllerState
	lastResponse time.Time
	busyEndTime  time.Time
	lastUpdate   time.Time

	datagram *datagram
	stats    *commandStats

	interrupt chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// newController constructs an uninitialized Controller. Callers must call
// initialize before using it.
func newController(sink callbackSink, token *sendToken, deviceUID, deviceIP string) *Controller {
	return &Controller{
		sink:  sink,
		token: token,
		live: settings{
			ipAddress:   deviceIP,
			deviceUID:   deviceUID,
			fanMode:     FanAuto,
			desiredTemp: MinSetTemp,
		},
		datagram:  newDatagram(net.ParseIP(deviceIP), token, RequestTimeout),
		stats:     newCommandStats(),
		interrupt: make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
}

// initialize performs the one synchronous status fetch that must succeed
// before a Controller is considered live, then starts its poll loop.
func (c *Controller) initialize() error {
	c.mu.Lock()
	c.state = StateReady
	c.mu.Unlock()

	if err := c.refreshSystem(false); err != nil {
		return err
	}

	c.mu.Lock()
	ok := c.state == StateReady
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("escea: initial status fetch failed for %s", c.live.deviceUID)
	}

	c.wg.Add(1)
	go c.pollLoop()
	return nil
}

// close signals the poll loop to exit and waits for it to finish.
func (c *Controller) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.wakePoll()
	})
	c.wg.Wait()
}

func (c *Controller) wakePoll() {
	select {
	case c.interrupt <- struct{}{}:
	default:
	}
}

func (c *Controller) pollLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.closed:
			return
		default:
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("escea: unexpected panic in controller poll loop, exiting", "uid", c.live.deviceUID, "panic", r)
					c.closeOnce.Do(func() { close(c.closed) })
				}
			}()
			if err := c.refreshSystem(true); err != nil {
				slog.Debug("escea: refresh failed", "uid", c.live.deviceUID, "err", err)
			}
		}()

		select {
		case <-c.closed:
			return
		default:
		}

		sleep := c.nextSleep()

		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-c.interrupt:
			timer.Stop()
		case <-c.closed:
			timer.Stop()
			return
		}
	}
}

func (c *Controller) nextSleep() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateReady:
		return RefreshInterval
	case StateNonResponsive:
		return RetryInterval
	case StateDisconnected:
		return DisconnectedInterval
	case StateBusy:
		d := time.Until(c.busyEndTime)
		if d < 0 {
			d = 0
		}
		return d
	default:
		return RefreshInterval
	}
}

// DeviceIP is the unit's current network address.
func (c *Controller) DeviceIP() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live.ipAddress
}

// DeviceUID is the unit's immutable serial number.
func (c *Controller) DeviceUID() string {
	return c.live.deviceUID
}

// State is the controller's current lifecycle state.
func (c *Controller) State() ControllerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsOn reports whether the fireplace is currently (believed) on.
func (c *Controller) IsOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live.fireIsOn
}

// Fan is the current fan mode.
func (c *Controller) Fan() FanMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live.fanMode
}

// DesiredTemp is the unit's target temperature in whole degrees Celsius.
func (c *Controller) DesiredTemp() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live.desiredTemp
}

// CurrentTemp is the room temperature as last reported by the unit.
func (c *Controller) CurrentTemp() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live.currentTemp
}

// MinTemp is the device-defined minimum valid DesiredTemp.
func (c *Controller) MinTemp() int { return MinSetTemp }

// MaxTemp is the device-defined maximum valid DesiredTemp.
func (c *Controller) MaxTemp() int { return MaxSetTemp }

// Stats reports min/mean/max latency for every command this controller has
// sent and received a matching reply to, one line per command.
func (c *Controller) Stats() string {
	return c.stats.String()
}

// String renders the controller's internal state for debugging.
func (c *Controller) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return spew.Sprintf(`escea.Controller(uid:%v ip:%v state:%v live:%+v)`,
		c.live.deviceUID, c.live.ipAddress, c.state, c.live)
}

// refreshAddress is called by Discovery when a known serial is rediscovered
// at a new IP address.
func (c *Controller) refreshAddress(ip string) {
	c.mu.Lock()
	changed := c.live.ipAddress != ip
	if changed {
		c.live.ipAddress = ip
	}
	c.mu.Unlock()

	if !changed {
		return
	}
	c.datagram.setAddr(net.ParseIP(ip))
	c.wakePoll()
}

// SetOn turns the fireplace on or off.
func (c *Controller) SetOn(value bool) {
	c.mu.Lock()
	if c.live.fireIsOn == value {
		c.mu.Unlock()
		return
	}
	c.live.fireIsOn = value
	state := c.state
	c.mu.Unlock()

	if state != StateReady {
		return // buffered: no transmission, no BUSY transition yet
	}
	c.syncPower(value, false)
}

// SetFan requests a fan mode change.
func (c *Controller) SetFan(mode FanMode) {
	c.mu.Lock()
	same := c.live.fanMode == mode
	if same {
		c.mu.Unlock()
		return
	}
	c.live.fanMode = mode
	state := c.state
	c.mu.Unlock()

	if state != StateReady {
		return // buffered
	}
	c.syncFan(mode, false)
}

// SetDesiredTemp requests a target temperature, in whole degrees Celsius
// (rounded half-to-even). Values outside [MinSetTemp, MaxSetTemp] are
// rejected with a logged error and no mutation.
func (c *Controller) SetDesiredTemp(value float64) {
	degrees := roundHalfToEven(value)
	if degrees < MinSetTemp || degrees > MaxSetTemp {
		slog.Error("escea: desired temp out of range", "uid", c.live.deviceUID, "value", degrees, "min", MinSetTemp, "max", MaxSetTemp)
		return
	}

	c.mu.Lock()
	same := c.live.desiredTemp == degrees
	if same {
		c.mu.Unlock()
		return
	}
	c.live.desiredTemp = degrees
	state := c.state
	c.mu.Unlock()

	if state != StateReady {
		return
	}
	c.syncTemp(degrees, false)
}

func roundHalfToEven(v float64) int {
	floor := int(v)
	diff := v - float64(floor)
	switch {
	case diff < 0.5:
		return floor
	case diff > 0.5:
		return floor + 1
	default:
		if floor%2 == 0 {
			return floor
		}
		return floor + 1
	}
}

// enterBusy transitions to BUSY with a fresh busy_end_time. Called whenever
// a power toggle was actually transmitted and acknowledged, regardless of
// sync mode.
func (c *Controller) enterBusy() {
	c.mu.Lock()
	c.state = StateBusy
	c.busyEndTime = time.Now().Add(OnOffBusyWaitTime)
	c.mu.Unlock()
	c.wakePoll()
}

// syncPower sends POWER_ON/POWER_OFF. A failed exchange ends the setter
// early, leaving state untouched for the next poll to reconcile; a
// successful exchange refreshes immediately (unless syncing from
// reconciliation, where the caller's own refresh loop already covers it)
// and always enters BUSY.
func (c *Controller) syncPower(value bool, sync bool) {
	cmd := CmdPowerOff
	if value {
		cmd = CmdPowerOn
	}
	if !c.sendAndCheck(cmd, 0) {
		return
	}
	if !sync {
		c.refreshSystem(true)
	}
	c.enterBusy()
}

// syncFan performs a two-step fan transition: the booster/flame-effect
// output that must turn off is always sent before the one that must turn
// on, so the device never reports both set at once.
func (c *Controller) syncFan(mode FanMode, sync bool) {
	var step1, step2 Command
	switch mode {
	case FanAuto:
		step1, step2 = CmdFanBoostOff, CmdFlameEffectOff
	case FanBoost:
		step1, step2 = CmdFlameEffectOff, CmdFanBoostOn
	case FanFlameEffect:
		step1, step2 = CmdFanBoostOff, CmdFlameEffectOn
	default:
		panic(fmt.Sprintf("escea: unhandled fan mode %v", mode))
	}

	if !c.sendAndCheck(step1, 0) {
		return
	}
	if !c.sendAndCheck(step2, 0) {
		return
	}

	if !sync {
		c.refreshSystem(true)
	}
}

// syncTemp sends NEW_SET_TEMP.
func (c *Controller) syncTemp(degrees int, sync bool) {
	ok := c.sendAndCheck(CmdNewSetTemp, byte(degrees))
	if !sync && ok {
		c.refreshSystem(true)
	}
}

// sendAndCheck sends cmd and reports whether a valid acknowledging reply
// arrived, updating lastResponse on success.
func (c *Controller) sendAndCheck(cmd Command, payload byte) bool {
	start := time.Now()
	responses, err := c.datagram.sendCommand(cmd, payload)
	if err != nil {
		slog.Warn("escea: send failed", "uid", c.live.deviceUID, "cmd", cmd, "err", err)
		return false
	}
	for _, resp := range responses {
		if resp.IsResponse(cmd) {
			c.mu.Lock()
			c.lastResponse = time.Now()
			c.mu.Unlock()
			c.stats.sample(cmd, time.Since(start))
			return true
		}
	}
	return false
}

// requestStatus issues STATUS_PLEASE and returns the decoded response, or
// nil if no valid reply arrived (timeout, transport error, or malformed
// frame — all equivalent for correlation purposes).
func (c *Controller) requestStatus() (*Response, error) {
	start := time.Now()
	responses, err := c.datagram.sendCommand(CmdStatusPlease, 0)
	if err != nil {
		return nil, err
	}
	for _, resp := range responses {
		if resp.IsResponse(CmdStatusPlease) {
			c.mu.Lock()
			c.lastResponse = time.Now()
			c.mu.Unlock()
			c.stats.sample(CmdStatusPlease, time.Since(start))
			r := resp
			return &r, nil
		}
	}
	return nil, nil
}

// refreshSystem implements the full refresh algorithm: BUSY suppression,
// reconciliation on return to READY, and listener notification.
func (c *Controller) refreshSystem(notify bool) error {
	c.mu.Lock()
	if c.state == StateBusy && time.Now().Before(c.busyEndTime) {
		c.mu.Unlock()
		return nil
	}
	priorState := c.state
	c.mu.Unlock()

	resp, err := c.requestStatus()

	if resp != nil && resp.Kind == RespStatus {
		c.mu.Lock()
		c.state = StateReady
		c.live.hasNewTimers = resp.HasNewTimers
		c.live.currentTemp = resp.CurrentTemp

		if priorState == StateReady {
			c.live.desiredTemp = resp.DesiredTemp
			c.live.fanMode = fanModeFromBooleans(resp.FanBoostIsOn, resp.FlameEffect)
			c.live.fireIsOn = resp.FireIsOn
			c.mu.Unlock()
		} else {
			wantTemp := c.live.desiredTemp
			wantFan := c.live.fanMode
			wantPower := c.live.fireIsOn
			c.mu.Unlock()

			// Reconcile buffered intent into the device: temp and fan
			// first, power last, so the unit is already configured when
			// the power toggle takes effect.
			if resp.DesiredTemp != wantTemp {
				c.syncTemp(wantTemp, true)
			}
			respFan := fanModeFromBooleans(resp.FanBoostIsOn, resp.FlameEffect)
			if respFan != wantFan {
				c.syncFan(wantFan, true)
			}
			if resp.FireIsOn != wantPower {
				c.syncPower(wantPower, true)
			}

			if priorState == StateDisconnected {
				c.sink.controllerReconnected(c)
			}
		}

		if notify {
			c.maybeNotifyUpdate()
		}
		return nil
	}

	// No / invalid response.
	c.mu.Lock()
	var disconnectedCause error
	if time.Since(c.lastResponse) < RetryTimeout {
		c.state = StateNonResponsive
	} else {
		c.state = StateDisconnected
		if priorState != StateDisconnected {
			disconnectedCause = err
			if disconnectedCause == nil {
				disconnectedCause = fmt.Errorf("escea: no response from %s within %s", c.live.deviceUID, RetryTimeout)
			}
		}
	}
	c.mu.Unlock()

	if disconnectedCause != nil {
		c.sink.controllerDisconnected(c, disconnectedCause)
	}
	return nil
}

func (c *Controller) maybeNotifyUpdate() {
	c.mu.Lock()
	changed := !c.haveSnap || !c.live.equalObservable(c.prior)
	stale := time.Since(c.lastUpdate) > NotifyRefreshInterval
	if changed || stale {
		c.prior = c.live
		c.haveSnap = true
		c.lastUpdate = time.Now()
		c.mu.Unlock()
		c.sink.controllerUpdate(c)
		return
	}
	c.mu.Unlock()
}
