package k8s

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"text/template"
)

const mimeTypes = `types {
    text/html                             html htm shtml;
    text/css                              css;
    text/xml                              xml;
    text/plain                            txt;
    image/gif                             gif;
    image/jpeg                            jpeg jpg;
    image/png                             png;
    image/svg+xml                         svg svgz;
    image/webp                            webp;
    image/x-icon                          ico;
    application/javascript                js;
    application/json                      json;
    application/pdf                       pdf;
    application/zip                       zip;
    font/woff                             woff;
    font/woff2                            woff2;
}
`

var nginxConf = template.Must(template.New("nginx.conf").Parse(`worker_processes auto;

events {
    worker_connections 1024;
}

http {
    include /etc/nginx/mime/mime.types;
    default_type application/octet-stream;
    sendfile on;
    keepalive_timeout 65;

    upstream hosting {
{{- range .Upstreams }}
        server {{ . }}:80;
{{- end }}
    }

    server {
        listen {{ .Port }};
        server_name {{ .ServerNames }};

        location / {
            proxy_pass http://hosting;
            proxy_set_header Host $host;
            proxy_set_header X-Real-IP $remote_addr;
            proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
            proxy_set_header X-Forwarded-Proto $scheme;
        }
    }
}
`))

type nginxParams struct {
	Port        int
	ServerNames string
	Upstreams   []string
}

func renderNginx(p nginxParams) (string, error) {
	var buf bytes.Buffer
	if err := nginxConf.Execute(&buf, p); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func configHash(conf string) string {
	sum := sha256.Sum256([]byte(conf))
	return hex.EncodeToString(sum[:8])
}
