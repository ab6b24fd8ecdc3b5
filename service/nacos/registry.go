package nacos

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"FriendChat/logger"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"
)

// NamingAPI naming_client.INamingClient 的子集
type NamingAPI interface {
	RegisterInstance(param vo.RegisterInstanceParam) (bool, error)
	DeregisterInstance(param vo.DeregisterInstanceParam) (bool, error)
}

// Registry 把本网关实例登记到 Nacos，元数据里带 node 与对外协议
type Registry struct {
	ServiceName string
	Port        uint64
	IP          string
	Group       string

	mutex      sync.Mutex
	meta       map[string]string
	registered bool
	client     NamingAPI
}

func NewRegistry(client NamingAPI, serviceName, ip string, port uint64, group string) *Registry {
	if group == "" {
		group = "DEFAULT_GROUP"
	}
	return &Registry{
		ServiceName: serviceName,
		Port:        port,
		IP:          ip,
		Group:       group,
		meta:        make(map[string]string),
		client:      client,
	}
}

// SetMeta 修改元数据；已注册时立即重新注册
func (r *Registry) SetMeta(k, v string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.meta[k] == v {
		return nil
	}
	r.meta[k] = v
	if !r.registered {
		return nil
	}
	return r.registerLocked()
}

func (r *Registry) Register() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.registerLocked()
}

func (r *Registry) registerLocked() error {
	meta := make(map[string]string, len(r.meta))
	for k, v := range r.meta {
		meta[k] = v
	}
	ok, err := r.client.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          r.IP,
		Port:        r.Port,
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		ClusterName: "DEFAULT",
		Weight:      1,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true,
		Metadata:    meta,
	})
	if err != nil {
		return fmt.Errorf("register failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("register failed: returned false")
	}
	r.registered = true
	logger.Info("nacos instance registered", zap.String("service", r.ServiceName),
		zap.String("addr", fmt.Sprintf("%s:%d", r.IP, r.Port)), zap.String("meta", r.metaString()))
	return nil
}

func (r *Registry) Deregister() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if !r.registered {
		return nil
	}
	ok, err := r.client.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          r.IP,
		Port:        r.Port,
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		Cluster:     "DEFAULT",
		Ephemeral:   true,
	})
	if err != nil {
		return fmt.Errorf("deregister failed: %w", err)
	}
	if !ok {
		logger.Warn("nacos instance not found or already gone", zap.String("service", r.ServiceName))
	}
	r.registered = false
	return nil
}

func (r *Registry) metaString() string {
	kv := make([]string, 0, len(r.meta))
	for k, v := range r.meta {
		kv = append(kv, k+"="+v)
	}
	sort.Strings(kv)
	return strings.Join(kv, ",")
}
