package config

import (
	"fmt"
	"net/url"

	"github.com/spf13/viper"
)

// proxySettings is the piecewise proxy form. A full PROXY_URL wins; the
// pieces exist because proxy vendors usually hand credentials out that way.
type proxySettings struct {
	Host string
	Port string
	User string
	Pass string
	Type string // socks5 or http
}

func (p proxySettings) url() string {
	if p.Host == "" {
		return ""
	}
	host := p.Host
	if p.Port != "" {
		host += ":" + p.Port
	}
	if p.User != "" {
		return fmt.Sprintf("%s://%s:%s@%s", p.Type, url.QueryEscape(p.User), url.QueryEscape(p.Pass), host)
	}
	return fmt.Sprintf("%s://%s", p.Type, host)
}

// resolveProxyURL returns the proxy for protocol connections: PROXY_URL as
// given, otherwise assembled from PROXY_HOST/PORT/USER/PASS/TYPE.
func resolveProxyURL(v *viper.Viper) string {
	if direct := v.GetString("PROXY_URL"); direct != "" {
		return direct
	}
	p := proxySettings{
		Host: v.GetString("PROXY_HOST"),
		Port: v.GetString("PROXY_PORT"),
		User: v.GetString("PROXY_USER"),
		Pass: v.GetString("PROXY_PASS"),
		Type: v.GetString("PROXY_TYPE"),
	}
	if p.Type == "" {
		p.Type = "socks5"
	}
	return p.url()
}

// RedactProxyURL masks the password for logging.
func RedactProxyURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, has := u.User.Password(); has {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
