package transport

import (
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// UpgradePath is the HTTP route peers connect to for the mesh
// WebSocket transport.
const UpgradePath = "/mesh/v1/connect"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// AcceptFunc handles one freshly-upgraded connection: it owns the
// handshake and, on success, installs the Conn into the caller's
// session/hub wiring.
type AcceptFunc func(ws *websocket.Conn, remoteAddr string)

// NewRouter builds the mesh HTTP router: the upgrade route that hands
// control to accept once a WebSocket handshake completes, plus a
// liveness probe a process supervisor can poll without speaking the
// mesh protocol.
func NewRouter(accept AcceptFunc) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc(UpgradePath, func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accept(ws, r.RemoteAddr)
	}).Methods("GET")
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	return router
}

// Dial connects to a peer's upgrade route as a client.
func Dial(url string) (*websocket.Conn, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	return ws, err
}

// PeerCertificateFingerprint returns the hex SHA-256 digest of the
// leaf certificate presented on ws's underlying connection, or "" when
// the connection is not TLS-terminated (e.g. a plain ws:// transport
// on a trusted LAN segment). Used to enforce spec §4.3(d) once a
// deployment terminates the mesh transport over wss://.
func PeerCertificateFingerprint(ws *websocket.Conn) string {
	tlsConn, ok := ws.UnderlyingConn().(*tls.Conn)
	if !ok {
		return ""
	}
	certs := tlsConn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return ""
	}
	sum := sha256.Sum256(certs[0].Raw)
	return hex.EncodeToString(sum[:])
}
