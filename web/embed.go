package web

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed all:templates all:static all:migrations
var content embed.FS

func TemplateFS() fs.FS {
	return content
}

func MigrationsFS() fs.FS {
	return content
}

// StaticHandler serves the static/ tree under /static/.
func StaticHandler() http.Handler {
	fsys, err := fs.Sub(content, "static")
	if err != nil {
		panic(err)
	}
	return http.StripPrefix("/static/", http.FileServer(http.FS(fsys)))
}
