package rest

import (
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/mailsink/mailsink/pkg/config"
	"github.com/mailsink/mailsink/pkg/message"
	"github.com/mailsink/mailsink/pkg/msgbus"
	"github.com/mailsink/mailsink/pkg/server/web"
)

// Routes live on the shared web.Router; register them once per test binary.
var setupRoutesOnce sync.Once

func setupWebServer(mm message.Manager, mb *msgbus.Bus) {
	setupRoutesOnce.Do(func() {
		SetupRoutes(web.Router)
	})
	web.Initialize(&config.Root{}, make(chan bool), mm, mb)
}

func testRestGet(url string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest("GET", url, nil)
	req.Header.Add("Accept", "application/json")
	w := httptest.NewRecorder()
	web.Router.ServeHTTP(w, req)
	return w
}

func testRestDelete(url string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest("DELETE", url, nil)
	req.Header.Add("Accept", "application/json")
	w := httptest.NewRecorder()
	web.Router.ServeHTTP(w, req)
	return w
}
