package ldap

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
)

const defaultKrb5Conf = "/etc/krb5.conf"

// KerberosConfig enables a GSSAPI service bind.
type KerberosConfig struct {
	Principal string `yaml:"principal"` // user or user@REALM
	Realm     string `yaml:"realm"`
	Config    string `yaml:"config"`  // krb5.conf path
	CCache    string `yaml:"ccache"`  // credential cache path
	Keytab    string `yaml:"keytab"`  // keytab path
	SPN       string `yaml:"spn"`     // overrides ldap/<host>
}

// principalAndRealm splits user@REALM when no explicit realm is configured.
func (k KerberosConfig) principalAndRealm() (string, string, error) {
	principal, realm := k.Principal, k.Realm
	if realm == "" {
		if user, r, ok := strings.Cut(principal, "@"); ok {
			principal, realm = user, r
		}
	}

	if principal == "" {
		return "", "", fmt.Errorf("kerberos principal is required")
	}
	if realm == "" {
		return "", "", fmt.Errorf("kerberos realm is required (set realm or use principal@REALM)")
	}
	return principal, realm, nil
}

// gssapiClient picks credentials in order: configured ccache, default
// ccache, configured keytab, default keytab, then password.
func (k KerberosConfig) gssapiClient(password string) (*gssapi.Client, error) {
	krb5conf := k.Config
	if krb5conf == "" {
		krb5conf = defaultKrb5Conf
	}
	if !fileExists(krb5conf) {
		return nil, fmt.Errorf("kerberos configuration file not found at %s", krb5conf)
	}

	if k.CCache != "" && fileExists(k.CCache) {
		return gssapi.NewClientFromCCache(k.CCache, krb5conf, krb5client.DisablePAFXFAST(true))
	}
	if ccache := defaultCCachePath(); fileExists(ccache) {
		return gssapi.NewClientFromCCache(ccache, krb5conf, krb5client.DisablePAFXFAST(true))
	}

	principal, realm, err := k.principalAndRealm()
	if err != nil {
		return nil, err
	}

	if k.Keytab != "" && fileExists(k.Keytab) {
		return gssapi.NewClientWithKeytab(principal, realm, k.Keytab, krb5conf, krb5client.DisablePAFXFAST(true))
	}
	if keytab := defaultKeytabPath(); fileExists(keytab) {
		return gssapi.NewClientWithKeytab(principal, realm, keytab, krb5conf, krb5client.DisablePAFXFAST(true))
	}
	if password != "" {
		return gssapi.NewClientWithPassword(principal, realm, password, krb5conf, krb5client.DisablePAFXFAST(true))
	}

	return nil, fmt.Errorf("no kerberos credentials found: provide ccache, keytab or bind secret")
}

// servicePrincipal returns the SPN to request a ticket for.
func (k KerberosConfig) servicePrincipal(server Server) (string, error) {
	if k.SPN != "" {
		return k.SPN, nil
	}
	if server.Host == "" {
		return "", fmt.Errorf("hostname is required for service principal")
	}
	return "ldap/" + server.Host, nil
}

// kerberosBind performs a GSSAPI bind on conn.
func kerberosBind(conn Conn, cfg KerberosConfig, password string, server Server) error {
	client, err := cfg.gssapiClient(password)
	if err != nil {
		return fmt.Errorf("failed to create GSSAPI client: %w", err)
	}
	defer func() {
		_ = client.DeleteSecContext()
	}()

	spn, err := cfg.servicePrincipal(server)
	if err != nil {
		return err
	}

	if err := conn.GSSAPIBind(client, spn, ""); err != nil {
		return fmt.Errorf("GSSAPI bind failed: %w", err)
	}
	return nil
}

var _ ldap.GSSAPIClient = (*gssapi.Client)(nil)

func defaultCCachePath() string {
	if ccache := os.Getenv("KRB5CCNAME"); ccache != "" {
		return strings.TrimPrefix(ccache, "FILE:")
	}
	return fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
}

func defaultKeytabPath() string {
	if keytab := os.Getenv("KRB5_KTNAME"); keytab != "" {
		return strings.TrimPrefix(keytab, "FILE:")
	}
	return "/etc/krb5.keytab"
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}
