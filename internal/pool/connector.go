package pool

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/taskmesh/pool/internal/platform/logger"
)

// ConnectorClaims is the JWT payload an ExtensionConnector client
// presents to authenticate, mirroring the teacher's pkg/middleware.Claims
// but scoped to the one capability the debug channel needs: which pool
// tags the holder may observe.
type ConnectorClaims struct {
	Subject string   `json:"sub"`
	Tags    []string `json:"tags"`
	jwt.RegisteredClaims
}

// EnvelopeKind names the frames exchanged over the debug/extension
// channel, spec.md §6's ExtensionConnector protocol.
type EnvelopeKind string

const (
	// Inbound (client -> connector).
	EnvelopeSubscribe             EnvelopeKind = "subscribe"
	EnvelopeUnsubscribe           EnvelopeKind = "unsubscribe"
	EnvelopePing                  EnvelopeKind = "ping"
	EnvelopeRequestStats          EnvelopeKind = "requestStats"
	EnvelopeRequestLogs           EnvelopeKind = "requestLogs"
	EnvelopeUpdateMonitorSettings EnvelopeKind = "updateMonitorSettings"
	EnvelopeRestartWorker         EnvelopeKind = "restartWorker"

	// Outbound (connector -> client).
	EnvelopeInitialState    EnvelopeKind = "initialState"
	EnvelopeEvent           EnvelopeKind = "event"
	EnvelopeStats           EnvelopeKind = "stats"
	EnvelopeLogs            EnvelopeKind = "logs"
	EnvelopeAlert           EnvelopeKind = "alert"
	EnvelopePong            EnvelopeKind = "pong"
	EnvelopeSettingsUpdated EnvelopeKind = "settingsUpdated"
	EnvelopeWorkerRestarted EnvelopeKind = "workerRestarted"
	EnvelopeError           EnvelopeKind = "error"
)

// Envelope is the wire frame for the extension channel.
type Envelope struct {
	Kind EnvelopeKind    `json:"kind"`
	Tag  string          `json:"tag,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// requestLogsPayload is the data field of an inbound requestLogs envelope.
type requestLogsPayload struct {
	Limit      int    `json:"limit"`
	Level      string `json:"level"`
	WorkerType string `json:"workerType"`
	TaskID     string `json:"taskId"`
	WorkerID   string `json:"workerId"`
}

// updateMonitorSettingsPayload is the data field of an inbound
// updateMonitorSettings envelope; unset fields leave that setting alone.
type updateMonitorSettingsPayload struct {
	LogLevel      *string `json:"logLevel"`
	MaxLogEntries *int    `json:"maxLogEntries"`
	AutoRestart   *bool   `json:"autoRestart"`
}

// restartWorkerPayload is the data field of an inbound restartWorker
// envelope.
type restartWorkerPayload struct {
	Tag      string `json:"tag"`
	WorkerID string `json:"workerId"`
}

var connectorUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ExtensionConnector exposes a websocket debugging channel over
// UnifiedManager: clients authenticate with a JWT scoping which pool tags
// they may subscribe to, then receive task events for those tags and
// monitor alerts, and can request stats and logs, update monitor settings
// and restart workers.
type ExtensionConnector struct {
	manager *UnifiedManager
	log     logger.Logger
	secret  []byte

	mu      sync.Mutex
	clients map[*connectorClient]struct{}
}

type connectorClient struct {
	conn    *websocket.Conn
	allowed map[string]struct{}
	writeMu sync.Mutex
}

// NewExtensionConnector constructs a connector validating JWTs with secret.
func NewExtensionConnector(manager *UnifiedManager, secret []byte, log logger.Logger) *ExtensionConnector {
	c := &ExtensionConnector{
		manager: manager,
		log:     log,
		secret:  secret,
		clients: make(map[*connectorClient]struct{}),
	}

	manager.OnEvent(EventTaskQueued, c.broadcastEvent(EventTaskQueued))
	manager.OnEvent(EventTaskStarted, c.broadcastEvent(EventTaskStarted))
	manager.OnEvent(EventTaskProgress, c.broadcastEvent(EventTaskProgress))
	manager.OnEvent(EventTaskCompleted, c.broadcastEvent(EventTaskCompleted))
	manager.OnEvent(EventTaskFailed, c.broadcastEvent(EventTaskFailed))
	manager.OnEvent(EventTaskRetry, c.broadcastEvent(EventTaskRetry))
	manager.OnEvent(EventTaskCancelled, c.broadcastEvent(EventTaskCancelled))
	manager.OnAlert(c.broadcastAlert)

	return c
}

// ServeHTTP upgrades the connection to a websocket after validating the
// bearer JWT in the Authorization header or ?token= query parameter.
func (c *ExtensionConnector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tokenString := bearerToken(r)
	claims := &ConnectorClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return c.secret, nil
	})
	if err != nil || tokenString == "" {
		http.Error(w, `{"error":"invalid or missing token"}`, http.StatusUnauthorized)
		return
	}

	conn, err := connectorUpgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.Warn("extension connector upgrade failed", "error", err.Error())
		return
	}

	allowed := make(map[string]struct{}, len(claims.Tags))
	for _, tag := range claims.Tags {
		allowed[tag] = struct{}{}
	}

	client := &connectorClient{conn: conn, allowed: allowed}
	c.mu.Lock()
	c.clients[client] = struct{}{}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.clients, client)
		c.mu.Unlock()
		conn.Close()
	}()

	c.write(client, Envelope{Kind: EnvelopeInitialState, Data: jsonMust(c.manager.Stats())})

	c.readLoop(client)
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (c *ExtensionConnector) readLoop(client *connectorClient) {
	for {
		var env Envelope
		if err := client.conn.ReadJSON(&env); err != nil {
			return
		}
		switch env.Kind {
		case EnvelopeSubscribe:
			client.allowed[env.Tag] = struct{}{}
		case EnvelopeUnsubscribe:
			delete(client.allowed, env.Tag)
		case EnvelopePing:
			c.write(client, Envelope{Kind: EnvelopePong})
		case EnvelopeRequestStats:
			c.sendStats(client, env.Tag)
		case EnvelopeRequestLogs:
			c.sendLogs(client, env.Data)
		case EnvelopeUpdateMonitorSettings:
			c.updateSettings(client, env.Data)
		case EnvelopeRestartWorker:
			c.restartWorker(client, env.Data)
		}
	}
}

func (c *ExtensionConnector) sendStats(client *connectorClient, tag string) {
	if _, ok := client.allowed[tag]; !ok {
		c.write(client, Envelope{Kind: EnvelopeError, Tag: tag, Data: jsonMust("not subscribed to tag")})
		return
	}
	p, err := c.manager.Factory.PoolFor(tag)
	if err != nil {
		c.write(client, Envelope{Kind: EnvelopeError, Tag: tag, Data: jsonMust(err.Error())})
		return
	}
	c.write(client, Envelope{Kind: EnvelopeStats, Tag: tag, Data: jsonMust(p.Stats())})
}

// sendLogs answers a requestLogs envelope with the monitor's filtered log
// ring, refusing entries for a workerType the client isn't subscribed to.
func (c *ExtensionConnector) sendLogs(client *connectorClient, data json.RawMessage) {
	var req requestLogsPayload
	if err := json.Unmarshal(data, &req); err != nil {
		c.write(client, Envelope{Kind: EnvelopeError, Data: jsonMust(err.Error())})
		return
	}
	if req.WorkerType != "" {
		if _, ok := client.allowed[req.WorkerType]; !ok {
			c.write(client, Envelope{Kind: EnvelopeError, Tag: req.WorkerType, Data: jsonMust("not subscribed to tag")})
			return
		}
	}
	logs := c.manager.Monitor.RecentLogs(LogFilter{
		Level:    req.Level,
		Tag:      req.WorkerType,
		WorkerID: req.WorkerID,
		TaskID:   req.TaskID,
	}, req.Limit)
	c.write(client, Envelope{Kind: EnvelopeLogs, Tag: req.WorkerType, Data: jsonMust(logs)})
}

// updateSettings applies any non-nil field of an updateMonitorSettings
// envelope to the WorkerMonitor and echoes back what changed.
func (c *ExtensionConnector) updateSettings(client *connectorClient, data json.RawMessage) {
	var req updateMonitorSettingsPayload
	if err := json.Unmarshal(data, &req); err != nil {
		c.write(client, Envelope{Kind: EnvelopeError, Data: jsonMust(err.Error())})
		return
	}
	if req.LogLevel != nil {
		c.manager.Monitor.SetLogLevel(*req.LogLevel)
	}
	if req.MaxLogEntries != nil {
		c.manager.Monitor.SetMaxLogEntries(*req.MaxLogEntries)
	}
	if req.AutoRestart != nil {
		c.manager.Monitor.SetAutoRestart(*req.AutoRestart)
	}
	c.write(client, Envelope{Kind: EnvelopeSettingsUpdated, Data: jsonMust(req)})
}

// restartWorker services a restartWorker envelope, restricted to tags the
// client is subscribed to, the same authorization boundary subscribe/stats
// already enforce.
func (c *ExtensionConnector) restartWorker(client *connectorClient, data json.RawMessage) {
	var req restartWorkerPayload
	if err := json.Unmarshal(data, &req); err != nil {
		c.write(client, Envelope{Kind: EnvelopeError, Data: jsonMust(err.Error())})
		return
	}
	if _, ok := client.allowed[req.Tag]; !ok {
		c.write(client, Envelope{Kind: EnvelopeError, Tag: req.Tag, Data: jsonMust("not subscribed to tag")})
		return
	}
	p, err := c.manager.Factory.PoolFor(req.Tag)
	if err != nil {
		c.write(client, Envelope{Kind: EnvelopeError, Tag: req.Tag, Data: jsonMust(err.Error())})
		return
	}
	p.RestartWorker(req.WorkerID, errors.New("pool: restart requested via extension connector"))
	c.write(client, Envelope{Kind: EnvelopeWorkerRestarted, Tag: req.Tag, Data: jsonMust(req)})
}

// broadcastAlert fans a monitor alert out to every client subscribed to its
// tag, or to everyone when the alert carries no tag.
func (c *ExtensionConnector) broadcastAlert(a Alert) {
	c.mu.Lock()
	clients := make([]*connectorClient, 0, len(c.clients))
	for cl := range c.clients {
		clients = append(clients, cl)
	}
	c.mu.Unlock()

	env := Envelope{Kind: EnvelopeAlert, Tag: a.Tag, Data: jsonMust(a)}
	for _, cl := range clients {
		if a.Tag != "" {
			if _, ok := cl.allowed[a.Tag]; !ok {
				continue
			}
		}
		c.write(cl, env)
	}
}

func (c *ExtensionConnector) broadcastEvent(kind EventType) TaskEventHandler {
	return func(evt TaskEvent) {
		c.mu.Lock()
		clients := make([]*connectorClient, 0, len(c.clients))
		for cl := range c.clients {
			clients = append(clients, cl)
		}
		c.mu.Unlock()

		env := Envelope{Kind: EnvelopeEvent, Tag: evt.Tag, Data: jsonMust(evt)}
		for _, cl := range clients {
			if _, ok := cl.allowed[evt.Tag]; !ok {
				continue
			}
			c.write(cl, env)
		}
	}
}

func (c *ExtensionConnector) write(client *connectorClient, env Envelope) {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()
	client.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = client.conn.WriteJSON(env)
}

func jsonMust(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return data
}
