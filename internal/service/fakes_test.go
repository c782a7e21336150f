package service

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/geofleet/fleet-server-go/internal/database"
	"github.com/geofleet/fleet-server-go/internal/events"
	"github.com/geofleet/fleet-server-go/internal/model"
	"github.com/geofleet/fleet-server-go/internal/repository"
)

// uuidColumn fails the way Postgres does when a non-UUID is compared with a uuid column.
func uuidColumn(v string) error {
	if _, err := uuid.Parse(v); err != nil {
		return &pq.Error{Code: "22P02", Message: "invalid input syntax for type uuid"}
	}
	return nil
}

// memStore backs every fake repository. Transactions are serialized by
// fakeTransactor, which is enough to model the row locks the real queries take.
type memStore struct {
	mu         sync.Mutex
	requests   map[string]*model.PairingRequest
	devices    map[string]*model.Device
	grants     map[string]*model.DeviceUser
	heartbeats []model.HeartbeatRecord
	locations  []model.LocationRecord
	nextID     int64

	// clock is the store's own time source.
	clock func() time.Time
	// collisions makes the next n pairing inserts report a live duplicate.
	collisions int
	// fail injects an error into the named operation.
	fail map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		requests: make(map[string]*model.PairingRequest),
		devices:  make(map[string]*model.Device),
		grants:   make(map[string]*model.DeviceUser),
		clock:    time.Now,
		fail:     make(map[string]error),
	}
}

func (s *memStore) injected(op string) error {
	return s.fail[op]
}

func grantKey(deviceID, userID string) string { return deviceID + "/" + userID }

type fakeTransactor struct {
	mu sync.Mutex
}

var _ database.Transactor = (*fakeTransactor)(nil)

func (f *fakeTransactor) WithTx(ctx context.Context, fn database.TxFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(nil)
}

// pairing requests

type fakePairingRepo struct{ s *memStore }

var _ repository.PairingRequestRepository = (*fakePairingRepo)(nil)

func (r *fakePairingRepo) WithTx(*sqlx.Tx) repository.PairingRequestRepository { return r }

func (r *fakePairingRepo) Create(ctx context.Context, p model.CreatePairingRequestParams) (*model.PairingRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected("requests.Create"); err != nil {
		return nil, err
	}
	if r.s.collisions > 0 {
		r.s.collisions--
		return nil, nil
	}
	if existing, ok := r.s.requests[p.PairingCode]; ok && existing.ExpiresAt.After(p.Now) {
		return nil, nil
	}
	pr := &model.PairingRequest{
		ID:             uuid.NewString(),
		PairingCode:    p.PairingCode,
		AccountID:      p.AccountID,
		OrganizationID: p.OrganizationID,
		CreatedBy:      p.CreatedBy,
		CreatedAt:      p.Now,
		ExpiresAt:      p.ExpiresAt,
	}
	r.s.requests[p.PairingCode] = pr
	cp := *pr
	return &cp, nil
}

func (r *fakePairingRepo) ConsumeByCode(ctx context.Context, code string, now time.Time) (*model.PairingRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected("requests.ConsumeByCode"); err != nil {
		return nil, err
	}
	pr, ok := r.s.requests[code]
	if !ok || !pr.ExpiresAt.After(now) {
		return nil, nil
	}
	delete(r.s.requests, code)
	return pr, nil
}

func (r *fakePairingRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for code, pr := range r.s.requests {
		if pr.ExpiresAt.Before(now) {
			delete(r.s.requests, code)
			n++
		}
	}
	return n, nil
}

// devices

type fakeDeviceRepo struct{ s *memStore }

var _ repository.DeviceRepository = (*fakeDeviceRepo)(nil)

func (r *fakeDeviceRepo) WithTx(*sqlx.Tx) repository.DeviceRepository { return r }

func (r *fakeDeviceRepo) FindByID(ctx context.Context, id string) (*model.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected("devices.FindByID"); err != nil {
		return nil, err
	}
	if err := uuidColumn(id); err != nil {
		return nil, err
	}
	d, ok := r.s.devices[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (r *fakeDeviceRepo) FindByAccountAndMACForUpdate(ctx context.Context, accountID, mac string) (*model.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, d := range r.s.devices {
		if d.AccountID == accountID && d.MACAddress != nil && *d.MACAddress == mac {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeDeviceRepo) FindStatus(ctx context.Context, id string) (*model.DeviceWithElapsed, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected("devices.FindStatus"); err != nil {
		return nil, err
	}
	if err := uuidColumn(id); err != nil {
		return nil, err
	}
	d, ok := r.s.devices[id]
	if !ok {
		return nil, nil
	}
	out := &model.DeviceWithElapsed{Device: *d}
	if d.LastHeartbeat != nil {
		elapsed := r.s.clock().Sub(*d.LastHeartbeat).Seconds()
		out.SecondsSinceHeartbeat = &elapsed
	}
	return out, nil
}

func (r *fakeDeviceRepo) Create(ctx context.Context, p model.UpsertPairedDeviceParams) (*model.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.clock()
	d := &model.Device{
		ID:              uuid.NewString(),
		Name:            p.Name,
		DeviceToken:     p.DeviceToken,
		AccountID:       p.AccountID,
		OrganizationID:  optional(p.OrganizationID),
		Status:          model.DeviceStatusOffline,
		HealthMetrics:   json.RawMessage("{}"),
		Capabilities:    orEmptyObject(p.Capabilities),
		ConnectionType:  p.ConnectionType,
		IPAddress:       p.IPAddress,
		MACAddress:      p.MACAddress,
		DeviceModel:     p.DeviceModel,
		FirmwareVersion: p.FirmwareVersion,
		DeviceOS:        p.DeviceOS,
		IsPaired:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	r.s.devices[d.ID] = d
	cp := *d
	return &cp, nil
}

func (r *fakeDeviceRepo) UpdatePaired(ctx context.Context, id string, p model.UpsertPairedDeviceParams) (*model.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d := r.s.devices[id]
	d.Name = p.Name
	d.DeviceToken = p.DeviceToken
	if p.DeviceModel != nil {
		d.DeviceModel = p.DeviceModel
	}
	if p.FirmwareVersion != nil {
		d.FirmwareVersion = p.FirmwareVersion
	}
	if p.DeviceOS != nil {
		d.DeviceOS = p.DeviceOS
	}
	if len(p.Capabilities) > 0 {
		d.Capabilities = mergeObjects(d.Capabilities, p.Capabilities)
	}
	d.IsPaired = true
	d.UpdatedAt = r.s.clock()
	cp := *d
	return &cp, nil
}

func (r *fakeDeviceRepo) ApplyHeartbeat(ctx context.Context, p model.HeartbeatUpdateParams) (*model.HeartbeatUpdateResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected("devices.ApplyHeartbeat"); err != nil {
		return nil, err
	}
	if err := uuidColumn(p.DeviceID); err != nil {
		return nil, err
	}
	d, ok := r.s.devices[p.DeviceID]
	if !ok {
		return nil, nil
	}
	prev := d.Status
	now := r.s.clock()
	d.LastHeartbeat = &now
	d.Status = model.DeviceStatusOnline
	d.HealthMetrics = mergeObjects(d.HealthMetrics, p.MetricsPatch)
	if p.ConnectionType != nil {
		d.ConnectionType = p.ConnectionType
	}
	if p.IPAddress != nil {
		d.IPAddress = p.IPAddress
	}
	if p.MACAddress != nil {
		d.MACAddress = p.MACAddress
	}
	return &model.HeartbeatUpdateResult{DeviceID: d.ID, AccountID: d.AccountID, PreviousStatus: prev}, nil
}

func (r *fakeDeviceRepo) MarkStaleOffline(ctx context.Context, window time.Duration) ([]model.StaleDevice, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.StaleDevice
	cutoff := r.s.clock().Add(-window)
	for _, d := range r.s.devices {
		if d.Status == model.DeviceStatusOnline && (d.LastHeartbeat == nil || !d.LastHeartbeat.After(cutoff)) {
			d.Status = model.DeviceStatusOffline
			out = append(out, model.StaleDevice{ID: d.ID, AccountID: d.AccountID})
		}
	}
	return out, nil
}

// mergeObjects applies the same top-level merge as jsonb ||.
func mergeObjects(base, patch json.RawMessage) json.RawMessage {
	merged := map[string]json.RawMessage{}
	_ = json.Unmarshal(orEmptyObject(base), &merged)
	var p map[string]json.RawMessage
	_ = json.Unmarshal(orEmptyObject(patch), &p)
	for k, v := range p {
		merged[k] = v
	}
	out, _ := json.Marshal(merged)
	return out
}

// grants

type fakeGrantRepo struct{ s *memStore }

var _ repository.DeviceUserRepository = (*fakeGrantRepo)(nil)

func (r *fakeGrantRepo) WithTx(*sqlx.Tx) repository.DeviceUserRepository { return r }

func (r *fakeGrantRepo) Find(ctx context.Context, deviceID, userID string) (*model.DeviceUser, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	du, ok := r.s.grants[grantKey(deviceID, userID)]
	if !ok {
		return nil, nil
	}
	cp := *du
	return &cp, nil
}

func (r *fakeGrantRepo) Upsert(ctx context.Context, p model.GrantParams) (*model.DeviceUser, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected("grants.Upsert"); err != nil {
		return nil, err
	}
	now := r.s.clock()
	du, ok := r.s.grants[grantKey(p.DeviceID, p.UserID)]
	if !ok {
		du = &model.DeviceUser{DeviceID: p.DeviceID, UserID: p.UserID, CreatedAt: now}
		r.s.grants[grantKey(p.DeviceID, p.UserID)] = du
	}
	du.Permissions = p.Permissions
	du.OrganizationID = p.OrganizationID
	du.GrantedBy = p.GrantedBy
	du.UpdatedAt = now
	cp := *du
	return &cp, nil
}

// heartbeats

type fakeHeartbeatRepo struct{ s *memStore }

var _ repository.HeartbeatRepository = (*fakeHeartbeatRepo)(nil)

func (r *fakeHeartbeatRepo) WithTx(*sqlx.Tx) repository.HeartbeatRepository { return r }

func (r *fakeHeartbeatRepo) Create(ctx context.Context, p model.CreateHeartbeatParams) (*model.HeartbeatRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.nextID++
	hb := model.HeartbeatRecord{
		ID:                 r.s.nextID,
		DeviceID:           p.DeviceID,
		BatteryLevel:       p.BatteryLevel,
		ConnectionStrength: p.ConnectionStrength,
		UptimeSeconds:      p.UptimeSeconds,
		Metadata:           p.Metadata,
		Timestamp:          r.s.clock(),
	}
	r.s.heartbeats = append(r.s.heartbeats, hb)
	return &hb, nil
}

func (r *fakeHeartbeatRepo) FindByDeviceID(ctx context.Context, deviceID string, limit, offset int) ([]model.HeartbeatRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.HeartbeatRecord
	for _, hb := range r.s.heartbeats {
		if hb.DeviceID == deviceID {
			out = append(out, hb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeHeartbeatRepo) CountByDeviceID(ctx context.Context, deviceID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, hb := range r.s.heartbeats {
		if hb.DeviceID == deviceID {
			n++
		}
	}
	return n, nil
}

// locations

type fakeLocationRepo struct{ s *memStore }

func (r *fakeLocationRepo) Create(ctx context.Context, p model.CreateLocationParams) (*model.LocationRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.nextID++
	loc := model.LocationRecord{
		ID:         r.s.nextID,
		DeviceID:   p.DeviceID,
		Latitude:   p.Latitude,
		Longitude:  p.Longitude,
		Accuracy:   p.Accuracy,
		Altitude:   p.Altitude,
		Speed:      p.Speed,
		Heading:    p.Heading,
		RecordedAt: p.RecordedAt,
		ReceivedAt: p.ReceivedAt,
	}
	r.s.locations = append(r.s.locations, loc)
	return &loc, nil
}

// identity

type fakeIdentityRepo struct {
	account, organization, user string
	err                         error
}

func (r *fakeIdentityRepo) FirstAccountID(context.Context) (string, error) { return r.account, r.err }

func (r *fakeIdentityRepo) FirstOrganizationID(context.Context, string) (string, error) {
	return r.organization, r.err
}

func (r *fakeIdentityRepo) FirstUserID(context.Context, string) (string, error) { return r.user, r.err }

// events

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, accountID string, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type recordingStream struct {
	mu        sync.Mutex
	published []model.LocationRecord
	err       error
}

func (p *recordingStream) PublishLocation(ctx context.Context, accountID string, loc *model.LocationRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, *loc)
	return p.err
}
