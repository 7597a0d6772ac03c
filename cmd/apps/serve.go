/*
 Copyright 2023 NanaFS Authors.

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

package apps

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/basenana/vfscache/config"
	"github.com/basenana/vfscache/utils"
	"github.com/basenana/vfscache/utils/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cache daemon",
	Long:  `Keep the cache resident, pruning parked nodes in the background and exporting metrics until a terminal signal arrives.`,
	Run: func(cmd *cobra.Command, args []string) {
		env, err := setupEnv()
		if err != nil {
			fatal(err)
		}

		log := logger.NewLogger("serve")
		log.Infow("starting", "version", config.VersionInfo().String())

		stop := utils.HandleTerminalSignal()
		go env.cache.RunPruner(stop)

		if env.cfg.Metrics.Enable {
			go func() {
				addr := fmt.Sprintf(":%d", env.cfg.Metrics.Port)
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				log.Infow("metrics listening", "addr", addr)
				if err := http.ListenAndServe(addr, mux); err != nil {
					log.Errorw("metrics server exited", "err", err)
				}
			}()
		}

		<-stop
		log.Info("stopped")
	},
}
