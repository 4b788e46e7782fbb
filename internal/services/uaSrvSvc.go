package services

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/amine-amaach/opcua-bridge/internal/component"
	"github.com/awcullen/opcua/server"
	"github.com/awcullen/opcua/ua"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	simAppName    = "UaBridgeSimServer"
	simFolderName = "IoTSensors"
)

// UaSrvSvc is the OPC UA server of the simulator. It serves one namespace
// with a folder of double variables and is the peer of the bridge in the
// integration tests.
type UaSrvSvc struct {
	srv    *server.Server
	nsi    uint16
	folder ua.NodeID
	log    *zap.SugaredLogger
}

func NewUaSrvSvc(cfg component.Simulator, log *zap.SugaredLogger) (*UaSrvSvc, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Scheme != "opc.tcp" || u.Hostname() == "" || u.Port() == "" {
		return nil, errors.Errorf("invalid simulator endpoint %q", cfg.Endpoint)
	}
	host := u.Hostname()

	certFile := filepath.Join(cfg.PKIPath, "server.crt")
	keyFile := filepath.Join(cfg.PKIPath, "server.key")
	created, err := ensureCertificate(certFile, keyFile, host, cfg.AdditionalHosts)
	if err != nil {
		return nil, errors.Wrap(err, "server certificate")
	}
	if created {
		log.Infow("Server certificate created ✅", "Path", cfg.PKIPath)
	}

	users, err := hashPasswords(cfg.Users)
	if err != nil {
		return nil, err
	}

	desc := ua.ApplicationDescription{
		ApplicationURI:  simAppURI(host),
		ProductURI:      "http://github.com/awcullen/opcua",
		ApplicationName: ua.NewLocalizedText(fmt.Sprintf("%s@%s", simAppName, host), "en"),
		ApplicationType: ua.ApplicationTypeServer,
		DiscoveryURLs:   []string{cfg.Endpoint},
	}
	srv, err := server.New(desc, certFile, keyFile, cfg.Endpoint,
		server.WithBuildInfo(ua.BuildInfo{
			ProductURI:       "http://github.com/awcullen/opcua",
			ManufacturerName: "awcullen",
			ProductName:      simAppName,
			SoftwareVersion:  "latest",
		}),
		server.WithAnonymousIdentity(true),
		server.WithAuthenticateUserNameIdentityFunc(userAuthenticator(users)),
		server.WithSecurityPolicyNone(true),
		server.WithInsecureSkipVerify(),
		server.WithServerDiagnostics(true),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create server")
	}

	s := &UaSrvSvc{srv: srv, log: log}
	s.nsi = srv.NamespaceManager().Add(cfg.Namespace)
	s.folder = ua.NewNodeIDString(s.nsi, simFolderName)
	folder := server.NewObjectNode(
		srv,
		s.folder,
		ua.NewQualifiedName(s.nsi, simFolderName),
		ua.NewLocalizedText("IoT Sensors", ""),
		ua.NewLocalizedText("Simulated sensors and their setpoint.", ""),
		nil,
		[]ua.Reference{{
			ReferenceTypeID: ua.ReferenceTypeIDOrganizes,
			IsInverse:       true,
			TargetID:        ua.NewExpandedNodeID(ua.ObjectIDObjectsFolder),
		}},
		0,
	)
	if err := srv.NamespaceManager().AddNode(folder); err != nil {
		return nil, errors.Wrap(err, "add sensor folder")
	}
	return s, nil
}

// NamespaceIndex is the index of the simulator namespace.
func (s *UaSrvSvc) NamespaceIndex() uint16 { return s.nsi }

func (s *UaSrvSvc) EndpointURL() string { return s.srv.EndpointURL() }

// AddDouble adds a scalar double variable below the sensor folder. A writable
// variable accepts writes from anonymous and authenticated clients and
// passes them through onWrite.
func (s *UaSrvSvc) AddDouble(
	name string,
	initial float64,
	onWrite func(float64) ua.StatusCode,
) (*server.VariableNode, error) {
	access := ua.AccessLevelsCurrentRead | ua.AccessLevelsHistoryRead
	var perms []ua.RolePermissionType
	if onWrite != nil {
		access |= ua.AccessLevelsCurrentWrite
		rw := ua.PermissionTypeBrowse | ua.PermissionTypeRead | ua.PermissionTypeWrite
		perms = []ua.RolePermissionType{
			{RoleID: ua.ObjectIDWellKnownRoleAnonymous, Permissions: rw},
			{RoleID: ua.ObjectIDWellKnownRoleAuthenticatedUser, Permissions: rw},
		}
	}
	now := time.Now().UTC()
	node := server.NewVariableNode(
		s.srv,
		ua.NewNodeIDString(s.nsi, name),
		ua.NewQualifiedName(s.nsi, name),
		ua.NewLocalizedText(name, ""),
		ua.NewLocalizedText(name+" IoT Sensor Simulator", ""),
		perms,
		[]ua.Reference{{
			ReferenceTypeID: ua.ReferenceTypeIDHasComponent,
			IsInverse:       true,
			TargetID:        ua.NewExpandedNodeID(s.folder),
		}},
		ua.NewDataValue(initial, ua.Good, now, 0, now, 0),
		ua.DataTypeIDDouble,
		ua.ValueRankScalar,
		[]uint32{},
		access,
		250.0,
		false,
		s.srv.Historian(),
	)
	if onWrite != nil {
		node.SetWriteValueHandler(func(_ *server.Session, wv ua.WriteValue) (ua.DataValue, ua.StatusCode) {
			v, ok := wv.Value.Value.(float64)
			if !ok {
				return ua.DataValue{}, ua.BadTypeMismatch
			}
			if status := onWrite(v); status != ua.Good {
				return ua.DataValue{}, status
			}
			t := time.Now().UTC()
			return ua.NewDataValue(v, ua.Good, t, 0, t, 0), ua.Good
		})
	}
	if err := s.srv.NamespaceManager().AddNode(node); err != nil {
		return nil, errors.Wrapf(err, "add variable %s", name)
	}
	return node, nil
}

// ListenAndServe blocks until Close.
func (s *UaSrvSvc) ListenAndServe() error {
	s.log.Infow("Starting server",
		"Name", s.srv.LocalDescription().ApplicationName.Text,
		"Endpoint", s.srv.EndpointURL())
	if err := s.srv.ListenAndServe(); err != ua.BadServerHalted {
		return errors.Wrap(err, "Error starting server")
	}
	return nil
}

// Running reports whether ListenAndServe has been called and Close has not.
func (s *UaSrvSvc) Running() bool {
	return s.srv.State() == ua.ServerStateRunning
}

// Close announces the shutdown to connected clients for a few seconds
// before the listener stops.
func (s *UaSrvSvc) Close() error {
	s.log.Infow("Stopping server...")
	return s.srv.Close()
}

func simAppURI(host string) string {
	return fmt.Sprintf("urn:%s:%s", host, simAppName)
}

// userAuthenticator checks user name and password against the bcrypt hashes.
func userAuthenticator(users []ua.UserNameIdentity) server.AuthenticateUserNameIdentityFunc {
	return func(id ua.UserNameIdentity, _ string, _ string) error {
		for _, u := range users {
			if u.UserName == id.UserName &&
				bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(id.Password)) == nil {
				return nil
			}
		}
		return ua.BadUserAccessDenied
	}
}

// hashPasswords returns the users with bcrypt hashed passwords; the clear
// text is not kept.
func hashPasswords(users []component.UserIds) ([]ua.UserNameIdentity, error) {
	ids := make([]ua.UserNameIdentity, 0, len(users))
	for _, u := range users {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), 8)
		if err != nil {
			return nil, errors.Wrapf(err, "hash password of %s", u.Username)
		}
		ids = append(ids, ua.UserNameIdentity{UserName: u.Username, Password: string(hash)})
	}
	return ids, nil
}

// ensureCertificate writes a self-signed certificate and its key unless
// certFile already exists. The certificate covers the loopback address, host
// and the additional hosts.
func ensureCertificate(certFile, keyFile, host string, additionalHosts []string) (bool, error) {
	if _, err := os.Stat(certFile); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(certFile), 0o755); err != nil {
		return false, err
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return false, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return false, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: simAppName},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.AddDate(1, 0, 0),
		KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment |
			x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	for _, h := range append([]string{host}, additionalHosts...) {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
		if uri, err := url.Parse(simAppURI(h)); err == nil {
			tmpl.URIs = append(tmpl.URIs, uri)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return false, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
		return false, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		return false, err
	}
	return true, nil
}
