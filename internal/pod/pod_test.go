package pod_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"time"

	"code.cloudfoundry.org/lager/v3/lagertest"
	"github.com/podfleet/fleet/internal/config"
	"github.com/podfleet/fleet/internal/pod"
	"github.com/podfleet/fleet/internal/podtype"
	"github.com/podfleet/fleet/internal/provider"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func testRetryConfig() config.Config {
	return config.Config{
		PodMinNum:                1,
		PodMaxNum:                2,
		PodScalingSensitivity:    50,
		PodRetryDelayMillis:      10,
		PodCreateRetryMax:        3,
		PodStartRetryMax:         5,
		PodRunServerRetryMax:     5,
		PodRequestTimeoutSeconds: 2,
	}
}

var _ = Describe("Pod", func() {
	var (
		logger   = lagertest.NewTestLogger("pod")
		retryCfg = testRetryConfig()
		spec     = pod.Spec{TemplateID: "tmpl-1", VolumeID: "vol-1", ImageName: "img:latest"}
	)

	Describe("happy path", func() {
		It("reaches Free and serves a submitted prompt", func() {
			var podServer *httptest.Server
			providerServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				switch {
				case r.Method == http.MethodPost && r.URL.Path == "/v1/pods":
					json.NewEncoder(w).Encode(provider.CreatePodResponse{ID: "p1"})
				case r.Method == http.MethodGet && r.URL.Path == "/v1/pods/p1":
					host := podServer.Listener.Addr().String()
					_, port, _ := net.SplitHostPort(host)
					json.NewEncoder(w).Encode(provider.PodDetail{
						ID:           "p1",
						PublicIP:     "127.0.0.1",
						PortMappings: map[string]string{pod.ServicePort: port},
						GPUTypeID:    "a100",
					})
				default:
					w.WriteHeader(http.StatusNotFound)
				}
			}))
			defer providerServer.Close()

			podServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/health":
					json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
				case "/process":
					w.Header().Set("Content-Type", "image/png")
					w.Write([]byte("ok"))
				}
			}))
			defer podServer.Close()

			client := provider.NewClient(provider.Config{BaseURL: providerServer.URL, BearerToken: "t"})
			p := pod.New(logger, client, retryCfg, "pod-1", spec, "")

			Eventually(p.State, 2*time.Second, 10*time.Millisecond).Should(Equal(podtype.Free))
			Expect(p.Snap().AllocatedGPU).To(Equal("a100"))

			result := p.Submit(context.Background(), podtype.Prompt{ID: "pr-1", URL: "u", WorkflowID: 1})
			Expect(result.IsError()).To(BeFalse())
			Expect(result.Success.Content).To(Equal([]byte("ok")))
			Expect(result.Success.MediaType).To(Equal("image/png"))
		})
	})

	Describe("provider create exhaustion", func() {
		It("ends in Terminated within the create retry budget", func() {
			providerServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			}))
			defer providerServer.Close()

			client := provider.NewClient(provider.Config{BaseURL: providerServer.URL, BearerToken: "t"})
			p := pod.New(logger, client, retryCfg, "pod-2", spec, "")

			Eventually(p.State, 2*time.Second, 10*time.Millisecond).Should(Equal(podtype.Terminated))
		})
	})

	Describe("health-check timeout", func() {
		It("ends in Terminated after exhausting health-check retries", func() {
			var podServer *httptest.Server
			providerServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				switch {
				case r.Method == http.MethodPost && r.URL.Path == "/v1/pods":
					json.NewEncoder(w).Encode(provider.CreatePodResponse{ID: "p3"})
				case r.Method == http.MethodGet:
					host := podServer.Listener.Addr().String()
					_, port, _ := net.SplitHostPort(host)
					json.NewEncoder(w).Encode(provider.PodDetail{
						PublicIP:     "127.0.0.1",
						PortMappings: map[string]string{pod.ServicePort: port},
					})
				}
			}))
			defer providerServer.Close()

			podServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			}))
			defer podServer.Close()

			client := provider.NewClient(provider.Config{BaseURL: providerServer.URL, BearerToken: "t"})
			p := pod.New(logger, client, retryCfg, "pod-3", spec, "")

			Eventually(p.State, 3*time.Second, 10*time.Millisecond).Should(Equal(podtype.Terminated))
		})
	})
})
