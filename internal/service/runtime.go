// Package service coordinates the cloud session, device commands and
// statistics collection for one account.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/securemtr/go-beanbag/internal/beanbag"
	"github.com/securemtr/go-beanbag/internal/config"
	"github.com/securemtr/go-beanbag/internal/domain"
	"github.com/securemtr/go-beanbag/internal/program"
	"github.com/securemtr/go-beanbag/internal/stats"
)

// Transport is the device command surface of an open websocket session.
type Transport interface {
	ReadDeviceMetadata(ctx context.Context, gatewayID string) (map[string]any, error)
	ReadZoneTopology(ctx context.Context, gatewayID string) ([]map[string]any, int, error)
	SyncClock(ctx context.Context, gatewayID string) error
	ReadScheduleOverview(ctx context.Context, gatewayID string) (map[string]any, error)
	ReadDeviceConfiguration(ctx context.Context, gatewayID string) (map[string]any, error)
	ReadLiveState(ctx context.Context, gatewayID string) (*beanbag.LiveState, error)
	TurnControllerOn(ctx context.Context, gatewayID string) error
	TurnControllerOff(ctx context.Context, gatewayID string) error
	StartTimedBoost(ctx context.Context, gatewayID string) error
	StopTimedBoost(ctx context.Context, gatewayID string) error
	ReadWeeklyProgram(ctx context.Context, gatewayID string, zone domain.Zone) (program.WeeklyProgram, error)
	WriteWeeklyProgram(ctx context.Context, gatewayID string, zone domain.Zone, week program.WeeklyProgram) error
	ReadEnergyHistory(ctx context.Context, gatewayID string, windowIndex int) ([]domain.EnergySample, int, error)
	Close() error
}

// Connector opens authenticated sessions against the cloud backend.
type Connector interface {
	LoginAndConnect(ctx context.Context, email, digest string) (*beanbag.Session, Transport, error)
}

// ClientConnector adapts the REST/websocket client to the Connector
// interface.
type ClientConnector struct {
	Client *beanbag.Client
}

func (c *ClientConnector) LoginAndConnect(ctx context.Context, email, digest string) (*beanbag.Session, Transport, error) {
	session, conn, err := c.Client.LoginAndConnect(ctx, email, digest)
	if err != nil {
		return nil, nil, err
	}
	return session, conn, nil
}

// Status is a point-in-time view of a runtime for external consumers.
type Status struct {
	Connected    bool                              `json:"connected"`
	Controller   *domain.Controller                `json:"controller,omitempty"`
	State        domain.StateSnapshot              `json:"state"`
	BoostEndTime *time.Time                        `json:"boost_end_time,omitempty"`
	Zones        []map[string]any                  `json:"zones,omitempty"`
	Recent       map[domain.Zone]*stats.ZoneRecent `json:"recent,omitempty"`
}

// Runtime drives one account's controller: discovery, state reads,
// mode writes, weekly programs and the statistics cycle. All device
// commands are serialised through a single mutex because the cloud
// backend multiplexes one websocket per session.
type Runtime struct {
	cfg       *config.Config
	connector Connector
	engine    *stats.Engine
	store     domain.StateStore
	publisher domain.MessagePublisher
	loc       *time.Location
	logger    zerolog.Logger
	now       func() time.Time

	mu               sync.Mutex
	session          *beanbag.Session
	conn             Transport
	gateway          beanbag.Gateway
	controller       *domain.Controller
	snapshot         domain.StateSnapshot
	zones            []map[string]any
	scheduleOverview map[string]any
	configuration    map[string]any
	programs         map[domain.Zone]program.WeeklyProgram
	boostEndTime     *time.Time
	consumption      []domain.EnergySample
	statsState       domain.StatisticsState
	recent           map[domain.Zone]*stats.ZoneRecent
}

// NewRuntime builds a runtime for one account. The statistics state is
// loaded lazily on the first collection cycle.
func NewRuntime(cfg *config.Config, connector Connector, engine *stats.Engine,
	stateStore domain.StateStore, publisher domain.MessagePublisher, loc *time.Location) *Runtime {
	return &Runtime{
		cfg:       cfg,
		connector: connector,
		engine:    engine,
		store:     stateStore,
		publisher: publisher,
		loc:       loc,
		logger:    log.With().Str("component", "service").Logger(),
		now:       time.Now,
		programs:  make(map[domain.Zone]program.WeeklyProgram),
		recent:    make(map[domain.Zone]*stats.ZoneRecent),
	}
}

// Connect logs in, opens the websocket and runs the discovery flow
// against the account's first gateway.
func (r *Runtime) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.openLocked(ctx); err != nil {
		return err
	}
	return r.discoverLocked(ctx)
}

// openLocked establishes a fresh session, replacing any previous one.
func (r *Runtime) openLocked(ctx context.Context) error {
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}

	session, conn, err := r.connector.LoginAndConnect(ctx, r.cfg.Account.Email, r.cfg.Account.PasswordDigest)
	if err != nil {
		return err
	}
	if len(session.Gateways) == 0 {
		conn.Close()
		return fmt.Errorf("%w: account has no gateways", domain.ErrProtocol)
	}

	r.session = session
	r.conn = conn
	r.gateway = session.Gateways[0]

	r.logger.Info().
		Str("gateway", r.gateway.GatewayID).
		Int("gateways", len(session.Gateways)).
		Msg("Session established")
	return nil
}

// discoverLocked walks the post-login command sequence. A failed clock
// sync is logged and ignored; failed metadata leaves the controller
// description empty but keeps the session usable.
func (r *Runtime) discoverLocked(ctx context.Context) error {
	gatewayID := r.gateway.GatewayID

	if err := r.conn.SyncClock(ctx, gatewayID); err != nil {
		r.logger.Warn().Err(err).Msg("Clock sync failed")
	}

	metadata, err := r.conn.ReadDeviceMetadata(ctx, gatewayID)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Device metadata read failed")
		r.controller = nil
	} else {
		r.controller = buildController(metadata, r.gateway)
	}

	zones, _, err := r.conn.ReadZoneTopology(ctx, gatewayID)
	if err != nil {
		return err
	}
	r.zones = zones

	overview, err := r.conn.ReadScheduleOverview(ctx, gatewayID)
	if err != nil {
		return err
	}
	r.scheduleOverview = overview

	configuration, err := r.conn.ReadDeviceConfiguration(ctx, gatewayID)
	if err != nil {
		return err
	}
	r.configuration = configuration

	live, err := r.conn.ReadLiveState(ctx, gatewayID)
	if err != nil {
		return err
	}
	r.applySnapshotLocked(live)
	return nil
}

func (r *Runtime) applySnapshotLocked(live *beanbag.LiveState) {
	r.snapshot = domain.StateSnapshot{
		PrimaryPowerOn:    live.PrimaryPowerOn,
		TimedBoostEnabled: live.TimedBoostEnabled,
	}
	if live.TimedBoostEnabled != nil && !*live.TimedBoostEnabled {
		r.boostEndTime = nil
	}
}

// nonEmptyString narrows metadata values to usable strings. Booleans,
// numbers and empty strings all read as absent.
func nonEmptyString(value any) (string, bool) {
	text, ok := value.(string)
	if !ok || text == "" {
		return "", false
	}
	return text, true
}

func versionString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// buildController normalises raw device metadata into a controller
// description, falling back to gateway fields where the metadata is
// missing or malformed.
func buildController(metadata map[string]any, gateway beanbag.Gateway) *domain.Controller {
	identifier, ok := nonEmptyString(metadata["BOI"])
	if !ok {
		identifier, ok = nonEmptyString(metadata["SN"])
	}
	if !ok {
		identifier = gateway.GatewayID
	}

	serial, ok := nonEmptyString(metadata["SN"])
	if !ok {
		serial = gateway.SerialNumber
	}

	name, ok := nonEmptyString(metadata["N"])
	if !ok {
		if serial != "" {
			name = fmt.Sprintf("E7+ Water Heater (SN: %s)", serial)
		} else {
			name = fmt.Sprintf("E7+ Water Heater (%s)", identifier)
		}
	}

	controller := &domain.Controller{
		Identifier:      identifier,
		Name:            name,
		SerialNumber:    serial,
		FirmwareVersion: versionString(metadata["FV"]),
		GatewayID:       gateway.GatewayID,
	}
	if model, ok := nonEmptyString(metadata["MD"]); ok {
		controller.Model = model
	}
	return controller
}

// runWithReconnect executes a device command and, on a connection or
// protocol failure, rebuilds the session once and retries. The second
// failure, whether of the reconnect or the retry, surfaces the
// original command error.
func (r *Runtime) runWithReconnect(ctx context.Context, op func(Transport) error) error {
	if r.conn == nil {
		if err := r.openLocked(ctx); err != nil {
			return err
		}
	}

	err := op(r.conn)
	if err == nil || !(errors.Is(err, domain.ErrConnection) || errors.Is(err, domain.ErrProtocol)) {
		return err
	}

	r.logger.Warn().Err(err).Msg("Command failed, rebuilding session")
	if reconnectErr := r.openLocked(ctx); reconnectErr != nil {
		r.logger.Error().Err(reconnectErr).Msg("Reconnect failed")
		return err
	}
	if retryErr := op(r.conn); retryErr != nil {
		r.logger.Error().Err(retryErr).Msg("Retry after reconnect failed")
		return err
	}
	return nil
}

// RefreshState re-reads the live state and publishes the snapshot.
func (r *Runtime) RefreshState(ctx context.Context) (domain.StateSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var live *beanbag.LiveState
	err := r.runWithReconnect(ctx, func(t Transport) error {
		var opErr error
		live, opErr = t.ReadLiveState(ctx, r.gateway.GatewayID)
		return opErr
	})
	if err != nil {
		return domain.StateSnapshot{}, err
	}

	r.applySnapshotLocked(live)
	r.publishStateLocked(ctx)
	return r.snapshot, nil
}

func (r *Runtime) publishStateLocked(ctx context.Context) {
	if r.publisher == nil {
		return
	}
	snapshot := r.snapshot
	if err := r.publisher.PublishState(ctx, r.controller, &snapshot); err != nil {
		r.logger.Error().Err(err).Msg("Failed to publish state")
	}
}

// SetPrimaryPower switches the primary heating mode and refreshes the
// snapshot afterwards.
func (r *Runtime) SetPrimaryPower(ctx context.Context, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.runWithReconnect(ctx, func(t Transport) error {
		if on {
			return t.TurnControllerOn(ctx, r.gateway.GatewayID)
		}
		return t.TurnControllerOff(ctx, r.gateway.GatewayID)
	})
	if err != nil {
		return err
	}

	r.snapshot.PrimaryPowerOn = &on
	r.publishStateLocked(ctx)
	return nil
}

// StartBoost enables the boost circuit. The controller only toggles a
// flag, so the end time is tracked here: now plus the requested
// duration, or the configured default when the duration is not
// positive.
func (r *Runtime) StartBoost(ctx context.Context, durationMinutes int) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if durationMinutes <= 0 {
		durationMinutes = r.cfg.Boost.DefaultDurationMinutes
	}

	err := r.runWithReconnect(ctx, func(t Transport) error {
		return t.StartTimedBoost(ctx, r.gateway.GatewayID)
	})
	if err != nil {
		return time.Time{}, err
	}

	end := r.now().In(r.loc).Add(time.Duration(durationMinutes) * time.Minute)
	r.boostEndTime = &end
	enabled := true
	r.snapshot.TimedBoostEnabled = &enabled
	r.publishStateLocked(ctx)
	return end, nil
}

// StopBoost disables the boost circuit and clears the tracked end time.
func (r *Runtime) StopBoost(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.runWithReconnect(ctx, func(t Transport) error {
		return t.StopTimedBoost(ctx, r.gateway.GatewayID)
	})
	if err != nil {
		return err
	}

	r.boostEndTime = nil
	enabled := false
	r.snapshot.TimedBoostEnabled = &enabled
	r.publishStateLocked(ctx)
	return nil
}

// ReadProgram fetches a zone's weekly program and caches it for anchor
// selection during statistics folds.
func (r *Runtime) ReadProgram(ctx context.Context, zone domain.Zone) (program.WeeklyProgram, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var week program.WeeklyProgram
	err := r.runWithReconnect(ctx, func(t Transport) error {
		var opErr error
		week, opErr = t.ReadWeeklyProgram(ctx, r.gateway.GatewayID, zone)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	r.programs[zone] = week
	return week, nil
}

// WriteProgram validates, transmits and caches a zone's weekly program.
func (r *Runtime) WriteProgram(ctx context.Context, zone domain.Zone, week program.WeeklyProgram) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.runWithReconnect(ctx, func(t Transport) error {
		return t.WriteWeeklyProgram(ctx, r.gateway.GatewayID, zone, week)
	})
	if err != nil {
		return err
	}
	r.programs[zone] = week
	return nil
}

// refreshProgramsLocked re-reads each zone's weekly program so the
// fold anchors on the schedule currently held by the controller. A
// failed read keeps the cached program; a zone that never produced one
// anchors at the fixed time of day.
func (r *Runtime) refreshProgramsLocked(ctx context.Context) {
	for _, zone := range domain.Zones() {
		var week program.WeeklyProgram
		err := r.runWithReconnect(ctx, func(t Transport) error {
			var opErr error
			week, opErr = t.ReadWeeklyProgram(ctx, r.gateway.GatewayID, zone)
			return opErr
		})
		if err != nil {
			r.logger.Warn().Err(err).Str("zone", string(zone)).Msg("Weekly program read failed")
			continue
		}
		r.programs[zone] = week
	}
}

// CollectConsumption runs one statistics cycle: fetch the energy
// history, refresh the weekly programs, fold the new days of each
// zone, persist the accumulator and publish the resulting series. A
// failed fetch clears the consumption log and leaves the persisted
// state untouched.
func (r *Runtime) CollectConsumption(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.statsState == nil {
		state, err := r.store.Load()
		if err != nil {
			return fmt.Errorf("failed to load statistics state: %w", err)
		}
		r.statsState = state
	}

	var samples []domain.EnergySample
	err := r.runWithReconnect(ctx, func(t Transport) error {
		var opErr error
		samples, _, opErr = t.ReadEnergyHistory(ctx, r.gateway.GatewayID, r.cfg.Statistics.WindowIndex)
		return opErr
	})
	if err != nil {
		r.consumption = nil
		return err
	}

	// The first record is the oldest, still-open accounting period;
	// only the closed days behind it are usable.
	if len(samples) > 0 {
		samples = samples[1:]
	}
	r.consumption = samples

	r.refreshProgramsLocked(ctx)

	nextState := domain.StatisticsState{}
	rowsByZone := make(map[domain.Zone][]stats.DailyRow)
	recentByZone := make(map[domain.Zone]*stats.ZoneRecent)
	for _, zone := range domain.Zones() {
		result := r.engine.FoldZone(zone, samples, r.programs[zone], r.statsState[zone])
		nextState[zone] = result.State
		rowsByZone[zone] = result.Rows
		if recent := stats.Recent(result.Rows); recent != nil {
			recentByZone[zone] = recent
		}
	}

	if err := r.store.Save(nextState); err != nil {
		return fmt.Errorf("failed to save statistics state: %w", err)
	}
	r.statsState = nextState
	for zone, summary := range recentByZone {
		r.recent[zone] = summary
	}

	r.publishStatisticsLocked(ctx, rowsByZone)
	return nil
}

func (r *Runtime) publishStatisticsLocked(ctx context.Context, rowsByZone map[domain.Zone][]stats.DailyRow) {
	if r.publisher == nil || r.controller == nil {
		return
	}
	var series []domain.StatisticSeries
	for _, zone := range domain.Zones() {
		series = append(series, stats.Series(r.controller, zone, rowsByZone[zone])...)
	}
	if len(series) == 0 {
		return
	}
	if err := r.publisher.PublishStatistics(ctx, r.controller, series); err != nil {
		r.logger.Error().Err(err).Msg("Failed to publish statistics")
	}
}

// RunDailyRefresh blocks, running one collection cycle at the
// configured local hour each day until the context ends.
func (r *Runtime) RunDailyRefresh(ctx context.Context) {
	for {
		wait := r.untilNextRefresh()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := r.CollectConsumption(ctx); err != nil {
			r.logger.Error().Err(err).Msg("Daily statistics refresh failed")
		}
	}
}

func (r *Runtime) untilNextRefresh() time.Duration {
	now := r.now().In(r.loc)
	next := time.Date(now.Year(), now.Month(), now.Day(), r.cfg.Statistics.RefreshHour, 0, 0, 0, r.loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

// Status reports the current runtime view.
func (r *Runtime) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	recent := make(map[domain.Zone]*stats.ZoneRecent, len(r.recent))
	for zone, summary := range r.recent {
		recent[zone] = summary
	}
	return Status{
		Connected:    r.conn != nil,
		Controller:   r.controller,
		State:        r.snapshot,
		BoostEndTime: r.boostEndTime,
		Zones:        r.zones,
		Recent:       recent,
	}
}

// Controller returns the discovered controller description, or nil
// before discovery or after a failed metadata read.
func (r *Runtime) Controller() *domain.Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.controller
}

// Consumption returns the samples kept by the last collection cycle.
func (r *Runtime) Consumption() []domain.EnergySample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.EnergySample(nil), r.consumption...)
}

// Close tears down the websocket session.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}
