package podmanager_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/lager/v3/lagertest"
	"github.com/podfleet/fleet/internal/config"
	"github.com/podfleet/fleet/internal/podmanager"
	"github.com/podfleet/fleet/internal/provider"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func fastConfig() config.Config {
	return config.Config{
		PodMinNum:                1,
		PodMaxNum:                3,
		PodScalingSensitivity:    50,
		PodRetryDelayMillis:      10,
		PodCreateRetryMax:        3,
		PodStartRetryMax:         10,
		PodRunServerRetryMax:     10,
		PodRequestTimeoutSeconds: 3,
	}
}

var _ = Describe("Manager", func() {
	var logger = lagertest.NewTestLogger("pod-manager")

	Describe("adoption", func() {
		It("adopts a pre-existing pod whose name, template, volume, and image match", func() {
			var podServer *httptest.Server
			var created atomic.Int32

			providerServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				switch {
				case r.Method == http.MethodGet && r.URL.Path == "/v1/pods":
					json.NewEncoder(w).Encode([]provider.PodListEntry{
						{ID: "adopted-1", Name: "fleet-adopted-1", TemplateID: "tmpl-1", NetworkVolumeID: "vol-1", ImageName: "img:latest"},
						{ID: "other-1", Name: "other-prefix-1", TemplateID: "tmpl-1", NetworkVolumeID: "vol-1", ImageName: "img:latest"},
						{ID: "mismatch-1", Name: "fleet-mismatch-1", TemplateID: "tmpl-2", NetworkVolumeID: "vol-1", ImageName: "img:latest"},
					})
				case r.Method == http.MethodPost && r.URL.Path == "/v1/pods":
					created.Add(1)
					json.NewEncoder(w).Encode(provider.CreatePodResponse{ID: "fresh-1"})
				case r.Method == http.MethodGet:
					host := podServer.Listener.Addr().String()
					_, port, _ := net.SplitHostPort(host)
					json.NewEncoder(w).Encode(provider.PodDetail{
						PublicIP:     "127.0.0.1",
						PortMappings: map[string]string{"8188": port},
						TemplateID:   "tmpl-1",
					})
				default:
					w.WriteHeader(http.StatusOK)
				}
			}))
			defer providerServer.Close()

			podServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/health":
					json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
				case "/process":
					w.Write([]byte("ok"))
				}
			}))
			defer podServer.Close()

			client := provider.NewClient(provider.Config{BaseURL: providerServer.URL, BearerToken: "t"})
			mgr := podmanager.New(logger, client, fastConfig(), podmanager.Spec{
				PreName:    "fleet-",
				TemplateID: "tmpl-1",
				VolumeID:   "vol-1",
				ImageName:  "img:latest",
			})
			defer mgr.Stop(context.Background())

			Eventually(func() int {
				pods, _ := mgr.Snapshot()
				total := 0
				for _, c := range pods {
					total += c
				}
				return total
			}, 2*time.Second, 20*time.Millisecond).Should(BeNumerically(">=", 1))
			Expect(created.Load()).To(BeZero())
		})
	})

	Describe("enqueue and dispatch", func() {
		It("serves a prompt once a pod reaches Free", func() {
			var podServer *httptest.Server

			providerServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				switch {
				case r.Method == http.MethodGet && r.URL.Path == "/v1/pods":
					json.NewEncoder(w).Encode([]provider.PodListEntry{})
				case r.Method == http.MethodPost && r.URL.Path == "/v1/pods":
					json.NewEncoder(w).Encode(provider.CreatePodResponse{ID: "p1"})
				case r.Method == http.MethodGet:
					host := podServer.Listener.Addr().String()
					_, port, _ := net.SplitHostPort(host)
					json.NewEncoder(w).Encode(provider.PodDetail{
						PublicIP:     "127.0.0.1",
						PortMappings: map[string]string{"8188": port},
					})
				default:
					w.WriteHeader(http.StatusOK)
				}
			}))
			defer providerServer.Close()

			podServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/health":
					json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
				case "/process":
					w.Header().Set("Content-Type", "image/png")
					w.Write([]byte("done"))
				}
			}))
			defer podServer.Close()

			client := provider.NewClient(provider.Config{BaseURL: providerServer.URL, BearerToken: "t"})
			mgr := podmanager.New(logger, client, fastConfig(), podmanager.Spec{
				PreName:    "fleet-",
				TemplateID: "tmpl-1",
				VolumeID:   "vol-1",
				ImageName:  "img:latest",
			})
			defer mgr.Stop(context.Background())

			result := mgr.Enqueue(context.Background(), "http://example.com/input.png", 1)
			Expect(result.IsError()).To(BeFalse())
			Expect(result.Success.Content).To(Equal([]byte("done")))
		})
	})
})
