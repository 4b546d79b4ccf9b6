package provision

import (
	"fmt"
	"strings"
)

const sslRedirect = "return 301 https://$host$request_uri;"

// RenderNginx fills the nginx vhost template.
func RenderNginx(tmpl string, v VHost) string {
	redirect, sslConfig := "", ""
	if v.HasSSL {
		redirect = sslRedirect
		sslConfig = fmt.Sprintf("listen 443 ssl;\n    ssl_certificate %s;\n    ssl_certificate_key %s;",
			v.SSLCertificatePath, v.SSLKeyPath)
	}

	return strings.NewReplacer(
		"{{DOMAIN}}", v.Domain,
		"{{ALIASES}}", "",
		"{{ROOT}}", v.Root,
		"{{PHP_VERSION}}", v.PHPVersion,
		"{{USER}}", v.User,
		"{{SSL_REDIRECT}}", redirect,
		"{{SSL_CONFIG}}", sslConfig,
	).Replace(tmpl)
}

// RenderPool fills the PHP-FPM pool template.
func RenderPool(tmpl string, v VHost) string {
	return strings.NewReplacer(
		"{{USER}}", v.User,
		"{{PHP_VERSION}}", v.PHPVersion,
	).Replace(tmpl)
}
