// Package k8s implements the WAF agent that fronts sites with an nginx
// proxy running in a Kubernetes namespace. Each site gets a ConfigMap,
// DaemonSet, Service and Ingress named after the first label of the site;
// certificates are cert-manager Certificate resources.
package k8s

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/cuemby/sdmgr/pkg/agent"
	"github.com/cuemby/sdmgr/pkg/types"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	proxyPort       = 8080
	mimeConfigMap   = "mimetypes"
	hashAnnotation  = "sdmgr.io/config-hash"
	workloadLabel   = "workload"
	defaultImage    = "nginx:1.27"
	defaultIssuer   = "letsencrypt-production"
	defaultIngClass = "nginx"
)

// CertificateGVR is the cert-manager Certificate resource
var CertificateGVR = schema.GroupVersionResource{Group: "cert-manager.io", Version: "v1", Resource: "certificates"}

type siteState struct {
	Hosts      []string `json:"hosts"`
	ConfigHash string   `json:"config_hash"`
}

type cachedState struct {
	Sites map[string]siteState `json:"sites"`
}

// WAF is the Kubernetes proxy agent
type WAF struct {
	*agent.Base

	kube      kubernetes.Interface
	dyn       dynamic.Interface
	namespace string
	sites     map[string]siteState
}

// NewWAF creates the agent. Settings: namespace, and either kubeconfig (a
// path) or api_url with token; optional insecure, image, cluster_issuer
// and ingress_class.
func NewWAF(p *types.Provider, deps agent.Deps) *WAF {
	return &WAF{
		Base:  agent.NewBase(p, deps),
		sites: make(map[string]siteState),
	}
}

func (w *WAF) Start(ctx context.Context) error {
	return w.Boot(ctx, w, func(context.Context) error {
		ns, err := w.Config("namespace")
		if err != nil {
			return err
		}
		w.namespace = ns
		if w.kube != nil && w.dyn != nil {
			return nil
		}

		cfg, err := w.restConfig()
		if err != nil {
			return err
		}
		if w.kube, err = kubernetes.NewForConfig(cfg); err != nil {
			return fmt.Errorf("failed to create kubernetes client: %w", err)
		}
		if w.dyn, err = dynamic.NewForConfig(cfg); err != nil {
			return fmt.Errorf("failed to create dynamic client: %w", err)
		}
		return nil
	})
}

func (w *WAF) restConfig() (*rest.Config, error) {
	if path := w.OptionalConfig("kubeconfig", ""); path != "" {
		cfg, err := clientcmd.BuildConfigFromFlags("", path)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
		}
		return cfg, nil
	}
	host, err := w.Config("api_url")
	if err != nil {
		return nil, err
	}
	token, err := w.Config("token")
	if err != nil {
		return nil, err
	}
	return &rest.Config{
		Host:        host,
		BearerToken: token,
		TLSClientConfig: rest.TLSClientConfig{
			Insecure: w.OptionalConfig("insecure", "false") == "true",
			CAData:   []byte(w.OptionalConfig("ca_data", "")),
		},
	}, nil
}

func (w *WAF) EncodeState() ([]byte, error) {
	return json.Marshal(cachedState{Sites: w.sites})
}

func (w *WAF) DecodeState(data []byte) error {
	var st cachedState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	if st.Sites == nil {
		st.Sites = make(map[string]siteState)
	}
	w.sites = st.Sites
	return nil
}

// siteID derives the resource name from a site label
func siteID(label string) string {
	id, _, _ := strings.Cut(label, ".")
	return strings.ToLower(id)
}

func selector(id string) map[string]string {
	return map[string]string{workloadLabel: "proxy-" + id}
}

// Refresh rebuilds the cached site list from the Ingresses and DaemonSets
// in the namespace
func (w *WAF) Refresh(ctx context.Context) error {
	return w.Mutate(func() error { return w.refresh(ctx) })
}

func (w *WAF) refresh(ctx context.Context) error {
	ings, err := w.kube.NetworkingV1().Ingresses(w.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("failed to list ingresses: %w", err)
	}
	sites := make(map[string]siteState)
	for _, ing := range ings.Items {
		st := siteState{Hosts: ingressHosts(&ing)}
		ds, err := w.kube.AppsV1().DaemonSets(w.namespace).Get(ctx, ing.Name, metav1.GetOptions{})
		if err == nil {
			st.ConfigHash = ds.Spec.Template.Annotations[hashAnnotation]
		}
		sites[ing.Name] = st
	}

	w.Lock()
	w.sites = sites
	w.Unlock()
	w.Logger().Info().Int("sites", len(sites)).Msg("refreshed proxy sites")
	return w.SaveState(w)
}

func ingressHosts(ing *networkingv1.Ingress) []string {
	var hosts []string
	for _, r := range ing.Spec.Rules {
		hosts = append(hosts, r.Host)
	}
	sort.Strings(hosts)
	return hosts
}

// SiteIPs returns the load balancer addresses of the site's Ingress
func (w *WAF) SiteIPs(ctx context.Context, site *types.Site) ([]string, error) {
	id := siteID(site.Label)
	ing, err := w.kube.NetworkingV1().Ingresses(w.namespace).Get(ctx, id, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("could not find ingress %s (%s): %w", id, site.Label, err)
	}
	var ips []string
	for _, lb := range ing.Status.LoadBalancer.Ingress {
		if lb.IP != "" {
			ips = append(ips, lb.IP)
		}
	}
	return ips, nil
}

// ApplyConfiguration makes the site's proxy route hostname and aliases to
// the hosting ips, creating the proxy resources on first use and rolling
// the DaemonSet when the rendered configuration changes
func (w *WAF) ApplyConfiguration(ctx context.Context, siteLabel, hostname string, aliases, ips []string) error {
	return w.Mutate(func() error { return w.applyConfiguration(ctx, siteLabel, hostname, aliases, ips) })
}

func (w *WAF) applyConfiguration(ctx context.Context, siteLabel, hostname string, aliases, ips []string) error {
	if len(ips) == 0 {
		return fmt.Errorf("no hosting ips for %s", siteLabel)
	}
	id := siteID(siteLabel)
	hosts := uniqueHosts(append(append([]string(nil), aliases...), hostname))

	conf, err := renderNginx(nginxParams{Port: proxyPort, ServerNames: strings.Join(hosts, " "), Upstreams: ips})
	if err != nil {
		return err
	}
	hash := configHash(conf)

	if err := w.ensureMimeTypes(ctx); err != nil {
		return err
	}
	if err := w.ensureConfigMap(ctx, id, conf); err != nil {
		return err
	}
	if err := w.ensureDaemonSet(ctx, id, hash); err != nil {
		return err
	}
	if err := w.ensureService(ctx, id); err != nil {
		return err
	}
	if err := w.ensureIngress(ctx, id, hosts); err != nil {
		return err
	}

	w.Lock()
	w.sites[id] = siteState{Hosts: hosts, ConfigHash: hash}
	w.Unlock()
	return w.SaveState(w)
}

func uniqueHosts(hosts []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func (w *WAF) ensureMimeTypes(ctx context.Context) error {
	cms := w.kube.CoreV1().ConfigMaps(w.namespace)
	_, err := cms.Get(ctx, mimeConfigMap, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to read configmap %s: %w", mimeConfigMap, err)
	}
	w.Logger().Info().Msg("creating MIME types configmap")
	_, err = cms.Create(ctx, &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: mimeConfigMap, Namespace: w.namespace},
		Data:       map[string]string{"mime.types": mimeTypes},
	}, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create configmap %s: %w", mimeConfigMap, err)
	}
	return nil
}

func (w *WAF) ensureConfigMap(ctx context.Context, id, conf string) error {
	cms := w.kube.CoreV1().ConfigMaps(w.namespace)
	existing, err := cms.Get(ctx, id, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		w.Logger().Info().Str("site", id).Msg("creating proxy configmap")
		_, err = cms.Create(ctx, &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{Name: id, Namespace: w.namespace},
			Data:       map[string]string{"nginx.conf": conf},
		}, metav1.CreateOptions{})
		return wrap(err, "create configmap", id)
	}
	if err != nil {
		return wrap(err, "read configmap", id)
	}
	if existing.Data["nginx.conf"] == conf {
		return nil
	}
	w.Logger().Info().Str("site", id).Msg("updating proxy configmap")
	existing.Data = map[string]string{"nginx.conf": conf}
	_, err = cms.Update(ctx, existing, metav1.UpdateOptions{})
	return wrap(err, "update configmap", id)
}

func (w *WAF) ensureDaemonSet(ctx context.Context, id, hash string) error {
	dss := w.kube.AppsV1().DaemonSets(w.namespace)
	existing, err := dss.Get(ctx, id, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		w.Logger().Info().Str("site", id).Msg("creating proxy daemonset")
		_, err = dss.Create(ctx, w.daemonSet(id, hash), metav1.CreateOptions{})
		return wrap(err, "create daemonset", id)
	}
	if err != nil {
		return wrap(err, "read daemonset", id)
	}
	if existing.Spec.Template.Annotations[hashAnnotation] == hash {
		return nil
	}

	// a changed pod template annotation rolls the pods onto the new config
	w.Logger().Info().Str("site", id).Msg("restarting proxy daemonset")
	if existing.Spec.Template.Annotations == nil {
		existing.Spec.Template.Annotations = make(map[string]string)
	}
	existing.Spec.Template.Annotations[hashAnnotation] = hash
	_, err = dss.Update(ctx, existing, metav1.UpdateOptions{})
	return wrap(err, "update daemonset", id)
}

func (w *WAF) daemonSet(id, hash string) *appsv1.DaemonSet {
	return &appsv1.DaemonSet{
		ObjectMeta: metav1.ObjectMeta{Name: id, Namespace: w.namespace},
		Spec: appsv1.DaemonSetSpec{
			Selector: &metav1.LabelSelector{MatchLabels: selector(id)},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels:      selector(id),
					Annotations: map[string]string{hashAnnotation: hash},
				},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:  id,
						Image: w.OptionalConfig("image", defaultImage),
						Ports: []corev1.ContainerPort{{ContainerPort: proxyPort}},
						VolumeMounts: []corev1.VolumeMount{
							{Name: "nginxconf", MountPath: "/etc/nginx/nginx.conf", SubPath: "nginx.conf"},
							{Name: "mimetypes", MountPath: "/etc/nginx/mime"},
						},
					}},
					Volumes: []corev1.Volume{
						{Name: "nginxconf", VolumeSource: corev1.VolumeSource{
							ConfigMap: &corev1.ConfigMapVolumeSource{LocalObjectReference: corev1.LocalObjectReference{Name: id}},
						}},
						{Name: "mimetypes", VolumeSource: corev1.VolumeSource{
							ConfigMap: &corev1.ConfigMapVolumeSource{LocalObjectReference: corev1.LocalObjectReference{Name: mimeConfigMap}},
						}},
					},
				},
			},
		},
	}
}

func (w *WAF) ensureService(ctx context.Context, id string) error {
	svcs := w.kube.CoreV1().Services(w.namespace)
	_, err := svcs.Get(ctx, id, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return wrap(err, "read service", id)
	}
	w.Logger().Info().Str("site", id).Msg("creating proxy service")
	_, err = svcs.Create(ctx, &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: id, Namespace: w.namespace},
		Spec: corev1.ServiceSpec{
			Selector: selector(id),
			Ports:    []corev1.ServicePort{{Port: proxyPort, TargetPort: intstr.FromInt32(proxyPort)}},
		},
	}, metav1.CreateOptions{})
	return wrap(err, "create service", id)
}

func (w *WAF) ingressSpec(id string, hosts []string) networkingv1.IngressSpec {
	pathType := networkingv1.PathTypePrefix
	backend := networkingv1.IngressBackend{
		Service: &networkingv1.IngressServiceBackend{
			Name: id,
			Port: networkingv1.ServiceBackendPort{Number: proxyPort},
		},
	}
	class := w.OptionalConfig("ingress_class", defaultIngClass)

	spec := networkingv1.IngressSpec{
		IngressClassName: &class,
		DefaultBackend:   &backend,
		TLS:              []networkingv1.IngressTLS{{Hosts: hosts, SecretName: id + "-le"}},
	}
	for _, h := range hosts {
		spec.Rules = append(spec.Rules, networkingv1.IngressRule{
			Host: h,
			IngressRuleValue: networkingv1.IngressRuleValue{
				HTTP: &networkingv1.HTTPIngressRuleValue{
					Paths: []networkingv1.HTTPIngressPath{{Path: "/", PathType: &pathType, Backend: backend}},
				},
			},
		})
	}
	return spec
}

func (w *WAF) ensureIngress(ctx context.Context, id string, hosts []string) error {
	ings := w.kube.NetworkingV1().Ingresses(w.namespace)
	existing, err := ings.Get(ctx, id, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		w.Logger().Info().Str("site", id).Int("hosts", len(hosts)).Msg("creating proxy ingress")
		_, err = ings.Create(ctx, &networkingv1.Ingress{
			ObjectMeta: metav1.ObjectMeta{Name: id, Namespace: w.namespace},
			Spec:       w.ingressSpec(id, hosts),
		}, metav1.CreateOptions{})
		return wrap(err, "create ingress", id)
	}
	if err != nil {
		return wrap(err, "read ingress", id)
	}
	if reflect.DeepEqual(ingressHosts(existing), hosts) {
		return nil
	}
	w.Logger().Info().Str("site", id).Int("hosts", len(hosts)).Msg("updating proxy ingress")
	existing.Spec = w.ingressSpec(id, hosts)
	_, err = ings.Update(ctx, existing, metav1.UpdateOptions{})
	return wrap(err, "update ingress", id)
}

// DeployCertificate makes the site's Certificate name exactly aliases.
// An existing Certificate keeps its metadata and only the spec changes.
func (w *WAF) DeployCertificate(ctx context.Context, siteLabel, hostname string, aliases []string) error {
	if len(aliases) == 0 {
		return fmt.Errorf("no hostnames for certificate of %s", siteLabel)
	}
	// the common name must be one of the names the WAF serves
	common := hostname
	if !contains(aliases, hostname) {
		common = aliases[0]
	}

	id := siteID(siteLabel)
	name := id + "-cert"
	dnsNames := make([]any, 0, len(aliases))
	for _, a := range aliases {
		dnsNames = append(dnsNames, a)
	}
	spec := map[string]any{
		"commonName": common,
		"dnsNames":   dnsNames,
		"secretName": id + "-tls",
		"issuerRef": map[string]any{
			"kind": "ClusterIssuer",
			"name": w.OptionalConfig("cluster_issuer", defaultIssuer),
		},
	}

	certs := w.dyn.Resource(CertificateGVR).Namespace(w.namespace)
	existing, err := certs.Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		w.Logger().Info().Str("certificate", name).Int("hostnames", len(aliases)).Msg("creating certificate")
		obj := &unstructured.Unstructured{Object: map[string]any{
			"apiVersion": "cert-manager.io/v1",
			"kind":       "Certificate",
			"metadata":   map[string]any{"name": name, "namespace": w.namespace},
			"spec":       spec,
		}}
		_, err = certs.Create(ctx, obj, metav1.CreateOptions{})
		return wrap(err, "create certificate", name)
	}
	if err != nil {
		return wrap(err, "read certificate", name)
	}

	w.Logger().Info().Str("certificate", name).Int("hostnames", len(aliases)).Msg("updating certificate")
	if err := unstructured.SetNestedField(existing.Object, spec, "spec"); err != nil {
		return err
	}
	_, err = certs.Update(ctx, existing, metav1.UpdateOptions{})
	return wrap(err, "update certificate", name)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func wrap(err error, action, name string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("failed to %s %s: %w", action, name, err)
}

var (
	_ agent.WAF       = (*WAF)(nil)
	_ agent.Refresher = (*WAF)(nil)
)
