/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/cloudprovider"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/config"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/controllers/reconciler"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/groupcontext"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/providers/kube"
	goproxmox "github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/providers/proxmox"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/providers/seed"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/server"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/store"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/utils/env"
)

// Version of the provider, set at build time.
var Version = "edge"

const (
	cloudConfigEnvVarName = "CLOUD_CONFIG"
	cloudConfigFlagName   = "config"

	listenAddressEnvVarName = "LISTEN_ADDRESS"
	listenAddressFlagName   = "listen-address"

	kubeconfigEnvVarName = "KUBECONFIG"
	kubeconfigFlagName   = "kubeconfig"

	verbosityEnvVarName = "VERBOSITY"
	verbosityFlagName   = "verbosity"
)

func main() {
	var (
		configPath    string
		listenAddress string
		kubeconfig    string
		verbosity     int
	)

	cmd := cobra.Command{
		Use:           "autoscaler-provider-proxmox",
		Short:         "Cluster autoscaler externalgrpc provider for Proxmox-backed k3s clusters",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := setupLogger(verbosity)
			logger.Info("Proxmox externalgrpc provider", "version", Version)

			return run(cmd.Context(), configPath, listenAddress, kubeconfig, logger)
		},
	}

	cmd.Flags().StringVar(&configPath, cloudConfigFlagName, env.WithDefaultString(cloudConfigEnvVarName, ""), "Path to the provider config file.")
	cmd.Flags().StringVar(&listenAddress, listenAddressFlagName, env.WithDefaultString(listenAddressEnvVarName, ":8086"), "Address the gRPC server listens on.")
	cmd.Flags().StringVar(&kubeconfig, kubeconfigFlagName, env.WithDefaultString(kubeconfigEnvVarName, ""), "Path to a kubeconfig; in-cluster config is used when empty.")
	cmd.Flags().IntVarP(&verbosity, verbosityFlagName, "v", env.WithDefaultInt(verbosityEnvVarName, 0), "Verbosity level (0=info, 1=debug, 2=trace)")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Stderr.WriteString(err.Error() + "\n") //nolint: errcheck
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, listenAddress, kubeconfig string, logger logr.Logger) error {
	cfg, err := config.ReadConfig(configPath)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.StateFile)
	if err != nil {
		return err
	}

	defer st.Close() //nolint: errcheck

	pxClient, err := goproxmox.NewAPIClient(ctx, cfg.Proxmox)
	if err != nil {
		return err
	}

	kubeClient, err := newKubeClient(kubeconfig)
	if err != nil {
		return err
	}

	kubeAdapter := kube.NewAdapter(kubeClient)
	gc := groupcontext.New(cfg, pxClient, st)
	seedBuilder := seed.NewBuilder(cfg.K3s, pxClient)

	reconcileCtx, stopReconciler := context.WithCancel(ctx)
	defer stopReconciler()

	controller := reconciler.New(cfg, gc, pxClient, kubeAdapter, st, seedBuilder, logger)

	done := make(chan struct{})

	go func() {
		defer close(done)

		controller.Run(reconcileCtx)
	}()

	provider := cloudprovider.New(cfg, gc, st, kubeAdapter, stopReconciler, logger)
	srv := server.New(provider, server.NewTemplateBuilder(cfg, kubeAdapter), logger)

	err = srv.Serve(ctx, listenAddress)

	stopReconciler()
	<-done

	return err
}

func newKubeClient(kubeconfig string) (kubernetes.Interface, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, err
		}
	}

	return kubernetes.NewForConfig(restConfig)
}
