/*Package api is the REST interface for operators and fleet tooling.

It exposes the device twins read-only plus a small set of actions that go
through the command dispatcher. Authentication is a bearer JWT signed with
a shared secret; an empty secret disables authentication for development
setups.
*/
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	jwt "github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/xeipuuv/gojsonschema"

	"github.com/genemingxingma/iot-control-center/core/logger"
	"github.com/genemingxingma/iot-control-center/iot/dispatch"
	"github.com/genemingxingma/iot-control-center/iot/firmware"
	"github.com/genemingxingma/iot-control-center/iot/inbox"
	"github.com/genemingxingma/iot-control-center/iot/twin"
)

// DefaultOnlineTimeout is the window within which a device counts as online.
const DefaultOnlineTimeout = 5 * time.Minute

const actionSchemaJSON = `{
  "type": "object",
  "required": ["action", "serials"],
  "additionalProperties": false,
  "properties": {
    "action": {
      "type": "string",
      "enum": ["turn_on", "turn_off", "delay_toggle", "sync_schedule", "reset_uptime"]
    },
    "serials": {
      "type": "array",
      "items": {"type": "string", "minLength": 1},
      "minItems": 1
    },
    "reason": {"type": "string"}
  }
}`

const firmwarePushSchemaJSON = `{
  "type": "object",
  "required": ["version", "key", "serials"],
  "additionalProperties": false,
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "key": {"type": "string", "minLength": 1},
    "checksum": {"type": "string"},
    "serials": {
      "type": "array",
      "items": {"type": "string", "minLength": 1},
      "minItems": 1
    }
  }
}`

// Service is the REST interface of the synchronization engine.
type Service struct {
	twins          twin.Store
	messages       inbox.Store
	dispatcher     *dispatch.Dispatcher
	jwtSecret      []byte
	onlineTimeout  time.Duration
	actionSchema   *gojsonschema.Schema
	firmwareSchema *gojsonschema.Schema
	now            func() time.Time
}

// Builder is a builder helper for the api Service
type Builder struct {
	// Router is the router the routes are added to. This is mandatory.
	Router *mux.Router
	// Twins is the twin store. This is mandatory.
	Twins twin.Store
	// Messages is the inbound message store. This is mandatory.
	Messages inbox.Store
	// Dispatcher executes device actions. This is mandatory.
	Dispatcher *dispatch.Dispatcher
	// JWTSecret is the HS256 secret for bearer tokens. Empty disables auth.
	JWTSecret string
	// OnlineTimeout overrides the default online window. Optional.
	OnlineTimeout time.Duration
	// Now is the clock; defaults to time.Now. Tests inject a fixed clock.
	Now func() time.Time
}

// MustNewService returns the api service and adds its routes to the router.
func MustNewService(b *Builder) *Service {
	if b.Router == nil {
		panic("Router is missing")
	}
	if b.Twins == nil {
		panic("Twins is missing")
	}
	if b.Messages == nil {
		panic("Messages is missing")
	}
	if b.Dispatcher == nil {
		panic("Dispatcher is missing")
	}
	onlineTimeout := b.OnlineTimeout
	if onlineTimeout <= 0 {
		onlineTimeout = DefaultOnlineTimeout
	}
	now := b.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	actionSchema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(actionSchemaJSON))
	if err != nil {
		panic(err)
	}
	firmwareSchema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(firmwarePushSchemaJSON))
	if err != nil {
		panic(err)
	}
	s := &Service{
		twins:          b.Twins,
		messages:       b.Messages,
		dispatcher:     b.Dispatcher,
		jwtSecret:      []byte(b.JWTSecret),
		onlineTimeout:  onlineTimeout,
		actionSchema:   actionSchema,
		firmwareSchema: firmwareSchema,
		now:            now,
	}
	s.handleRoutes(b.Router)
	return s
}

// deviceView is the twin plus its derived observability fields.
type deviceView struct {
	*twin.Device
	Online                bool           `json:"online"`
	TotalOnHours          float64        `json:"total_on_hours"`
	DelayRemainingMinutes float64        `json:"delay_remaining_minutes"`
	ScheduleSyncState     twin.SyncState `json:"schedule_sync_state"`
}

func (s *Service) view(d *twin.Device) deviceView {
	now := s.now()
	return deviceView{
		Device:                d,
		Online:                d.Online(now, s.onlineTimeout),
		TotalOnHours:          d.TotalOnHours(now),
		DelayRemainingMinutes: d.DelayRemainingMinutes(now),
		ScheduleSyncState:     d.ScheduleSyncState(),
	}
}

func (s *Service) handleRoutes(router *mux.Router) {
	log := logger.Default()
	log.Infoln("api: handle route /devices GET")
	log.Infoln("api: handle route /devices/{serial} GET")
	log.Infoln("api: handle route /devices/{serial}/firmware_logs GET")
	log.Infoln("api: handle route /devices/actions POST")
	log.Infoln("api: handle route /firmware/push POST")
	log.Infoln("api: handle route /messages GET")

	router.Use(s.authenticate)
	router.HandleFunc("/devices", s.getDevices).Methods(http.MethodGet)
	router.HandleFunc("/devices/actions", s.postAction).Methods(http.MethodPost)
	router.HandleFunc("/devices/{serial}", s.getDevice).Methods(http.MethodGet)
	router.HandleFunc("/devices/{serial}/firmware_logs", s.getFirmwareLogs).Methods(http.MethodGet)
	router.HandleFunc("/firmware/push", s.postFirmwarePush).Methods(http.MethodPost)
	router.HandleFunc("/messages", s.getMessages).Methods(http.MethodGet)
}

// authenticate verifies the bearer JWT. An empty secret disables the check.
func (s *Service) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.jwtSecret) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		tokenString := strings.TrimPrefix(auth, "Bearer ")
		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
			}
			return s.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.Encode(body)
}

func (s *Service) getDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.twins.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, s.view(d))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Service) getDevice(w http.ResponseWriter, r *http.Request) {
	serial := mux.Vars(r)["serial"]
	d, err := s.twins.GetBySerial(r.Context(), serial)
	if err == twin.ErrNotFound {
		http.Error(w, "no such device", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, s.view(d))
}

func (s *Service) getFirmwareLogs(w http.ResponseWriter, r *http.Request) {
	serial := mux.Vars(r)["serial"]
	d, err := s.twins.GetBySerial(r.Context(), serial)
	if err == twin.ErrNotFound {
		http.Error(w, "no such device", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	logs, err := s.twins.ListFirmwareLogs(r.Context(), d.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Service) validateBody(r *http.Request, schema *gojsonschema.Schema) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, fmt.Errorf("invalid json data")
	}
	if !result.Valid() {
		details := []string{}
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return nil, fmt.Errorf("invalid request: %s", strings.Join(details, "; "))
	}
	return body, nil
}

// resolveSerials loads the twins for the requested serials. Unknown serials
// fail the whole request; actions never create devices implicitly.
func (s *Service) resolveSerials(r *http.Request, serials []string) ([]*twin.Device, error) {
	devices := make([]*twin.Device, 0, len(serials))
	for _, serial := range serials {
		d, err := s.twins.GetBySerial(r.Context(), serial)
		if err != nil {
			if err == twin.ErrNotFound {
				return nil, fmt.Errorf("no such device: %s", serial)
			}
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, nil
}

type actionRequest struct {
	Action  string   `json:"action"`
	Serials []string `json:"serials"`
	Reason  string   `json:"reason"`
}

func (s *Service) postAction(w http.ResponseWriter, r *http.Request) {
	body, err := s.validateBody(r, s.actionSchema)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var request actionRequest
	if err := json.Unmarshal(body, &request); err != nil {
		http.Error(w, "invalid json data", http.StatusBadRequest)
		return
	}
	devices, err := s.resolveSerials(r, request.Serials)
	if err != nil {
		status := http.StatusInternalServerError
		if strings.HasPrefix(err.Error(), "no such device") {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	ctx := r.Context()
	switch request.Action {
	case "turn_on":
		err = s.dispatcher.TurnOn(ctx, devices)
	case "turn_off":
		err = s.dispatcher.TurnOff(ctx, devices)
	case "delay_toggle":
		err = s.dispatcher.DelayToggle(ctx, devices)
	case "sync_schedule":
		err = s.dispatcher.SyncSchedule(ctx, devices, true)
	case "reset_uptime":
		err = s.resetUptime(ctx, devices, request.Reason)
	}
	if err != nil {
		switch err.(type) {
		case *dispatch.DelayLockedError:
			http.Error(w, err.Error(), http.StatusConflict)
		case *dispatch.PublishError:
			http.Error(w, err.Error(), http.StatusBadGateway)
		default:
			if err == twin.ErrReasonRequired {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, s.view(d))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Service) resetUptime(ctx context.Context, devices []*twin.Device, reason string) error {
	for _, d := range devices {
		note, err := d.ResetUptime(reason, s.now())
		if err != nil {
			return err
		}
		if err := s.twins.Update(ctx, d); err != nil {
			return err
		}
		logger.FromContext(ctx).Infof("%s: %s", d.SwitchIDDisplay(), note)
	}
	return nil
}

type firmwarePushRequest struct {
	Version  string   `json:"version"`
	Key      string   `json:"key"`
	Checksum string   `json:"checksum"`
	Serials  []string `json:"serials"`
}

func (s *Service) postFirmwarePush(w http.ResponseWriter, r *http.Request) {
	body, err := s.validateBody(r, s.firmwareSchema)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var request firmwarePushRequest
	if err := json.Unmarshal(body, &request); err != nil {
		http.Error(w, "invalid json data", http.StatusBadRequest)
		return
	}
	devices, err := s.resolveSerials(r, request.Serials)
	if err != nil {
		status := http.StatusInternalServerError
		if strings.HasPrefix(err.Error(), "no such device") {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	fw := firmware.Firmware{Version: request.Version, Key: request.Key, Checksum: request.Checksum}
	result, err := s.dispatcher.PushFirmware(r.Context(), fw, devices)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) getMessages(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	messages, err := s.messages.ListRecent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}
