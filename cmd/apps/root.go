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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basenana/vfscache/config"
	"github.com/basenana/vfscache/pkg/backend"
	"github.com/basenana/vfscache/pkg/dentry"
	"github.com/basenana/vfscache/pkg/identity"
	"github.com/basenana/vfscache/pkg/types"
	"github.com/basenana/vfscache/pkg/walker"
	"github.com/basenana/vfscache/utils/logger"
)

var RootCmd = &cobra.Command{
	Use:   "vfscache",
	Short: "Path resolution cache tool",
	Long:  `Inspect and exercise the path-name resolution cache against a backing store.`,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

var (
	followFinal bool
	mustBeDir   bool
	createMode  bool
	parentOnly  bool
	createGroup bool
	callerUID   int64
	callerGID   int64
)

func init() {
	RootCmd.AddCommand(resolveCmd)
	RootCmd.AddCommand(createCmd)
	RootCmd.AddCommand(statsCmd)
	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(versionCmd)

	for _, cmd := range []*cobra.Command{resolveCmd, createCmd, statsCmd, serveCmd} {
		cmd.Flags().StringVar(&config.FilePath, "config", "", "vfscache config file")
	}
	resolveCmd.Flags().BoolVar(&followFinal, "follow", false, "expand a trailing symlink")
	resolveCmd.Flags().BoolVar(&mustBeDir, "dir", false, "require the terminal object to be a group")
	resolveCmd.Flags().BoolVar(&createMode, "create", false, "accept a terminal negative node")
	resolveCmd.Flags().BoolVar(&parentOnly, "parent", false, "stop at the containing directory")
	resolveCmd.Flags().Int64Var(&callerUID, "uid", 0, "caller uid for permission checks")
	resolveCmd.Flags().Int64Var(&callerGID, "gid", 0, "caller gid for permission checks")
	createCmd.Flags().BoolVar(&createGroup, "group", false, "create a group instead of a raw object")
	createCmd.Flags().Int64Var(&callerUID, "uid", 0, "caller uid for permission checks")
	createCmd.Flags().Int64Var(&callerGID, "gid", 0, "caller gid for permission checks")
}

var resolveCmd = &cobra.Command{
	Use:   "resolve PATH [PATH...]",
	Short: "Resolve paths against the backing store",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		env, err := setupEnv()
		if err != nil {
			fatal(err)
		}

		var flags types.ResolveFlag
		if followFinal {
			flags |= types.ResolveFollow
		}
		if mustBeDir {
			flags |= types.ResolveMustBeDir
		}
		if createMode {
			flags |= types.ResolveCreateIntent
		}
		if parentOnly {
			flags |= types.ResolveParentOnly
		}
		caller := types.Caller{UID: callerUID, GID: callerGID}

		ctx := context.Background()
		for _, path := range args {
			pos, err := env.walker.Resolve(ctx, walker.Position{}, path, flags, caller)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %s\n", path, err)
				continue
			}
			printPosition(env, path, pos)
			env.cache.Release(ctx, pos.Node)
		}
		printStats(env.cache.Stats())
	},
}

var createCmd = &cobra.Command{
	Use:   "create PATH",
	Short: "Create an object at PATH in the backing store",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		env, err := setupEnv()
		if err != nil {
			fatal(err)
		}
		caller := types.Caller{UID: callerUID, GID: callerGID}
		ctx := context.Background()

		cleaned := strings.TrimRight(args[0], "/")
		name := path.Base(cleaned)
		if name == "" || name == "/" || name == "." || name == ".." {
			fatal(fmt.Errorf("no object name in %q", args[0]))
		}

		pos, err := env.walker.Resolve(ctx, walker.Position{}, cleaned, types.ResolveParentOnly, caller)
		if err != nil {
			fatal(err)
		}
		parent := pos.Node
		store := pos.Mount.Store()

		kind := types.RawKind
		if createGroup {
			kind = types.GroupKind
		}
		parent.LockDir()
		node, err := env.walker.CreateNegative(parent, name)
		if err != nil {
			parent.UnlockDir()
			fatal(err)
		}
		desc, err := store.Create(ctx, parent.Identity().ObjectID, types.ObjectAttr{
			Name: name, Kind: kind, Access: createAccess(caller),
		})
		parent.UnlockDir()
		if err != nil {
			env.cache.Release(ctx, node)
			env.cache.Release(ctx, parent)
			fatal(err)
		}

		bound, err := env.walker.Bind(ctx, pos, node, desc)
		if err != nil {
			env.cache.Release(ctx, node)
			env.cache.Release(ctx, parent)
			fatal(err)
		}
		if bound != node {
			env.cache.Release(ctx, node)
		}
		printPosition(env, cleaned, walker.Position{Mount: pos.Mount, Node: bound})
		env.cache.Release(ctx, bound)
		env.cache.Release(ctx, parent)
		printStats(env.cache.Stats())
	},
}

func createAccess(caller types.Caller) types.Access {
	return types.Access{
		UID: caller.UID,
		GID: caller.GID,
		Permissions: []types.Permission{
			types.PermOwnerRead, types.PermOwnerWrite, types.PermOwnerExec,
			types.PermGroupRead, types.PermGroupExec,
			types.PermOthersRead, types.PermOthersExec,
		},
	}
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print cache statistics for the configured store",
	Run: func(cmd *cobra.Command, args []string) {
		env, err := setupEnv()
		if err != nil {
			fatal(err)
		}
		printStats(env.cache.Stats())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(config.VersionInfo())
	},
}

type env struct {
	cfg    config.Config
	cache  *dentry.Cache
	walker *walker.Walker
	mounts *walker.MountTable
}

func setupEnv() (*env, error) {
	cfg, err := config.NewConfigLoader().GetConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Debug {
		logger.SetDebug(cfg.Debug)
	}

	store, err := backend.NewStore(*cfg.Meta)
	if err != nil {
		return nil, err
	}

	identities := identity.NewCache()
	cache := dentry.NewCache(identities, cfg.Cache)
	mounts := walker.NewMountTable(cache, identities)
	if _, err = mounts.MountRoot(context.Background(), store); err != nil {
		return nil, err
	}
	w := walker.New(cache, identities, mounts, cfg.Walker)
	return &env{cfg: cfg, cache: cache, walker: w, mounts: mounts}, nil
}

func printPosition(e *env, path string, pos walker.Position) {
	rendered, err := e.cache.RenderPath(pos.Node, pos.Mount.Root())
	if err != nil {
		rendered = "-"
	}
	if pos.Node.IsNegative() {
		fmt.Printf("%s -> %s (negative)\n", path, rendered)
		return
	}
	id := pos.Node.Identity()
	fmt.Printf("%s -> %s object=%d kind=%s nlink=%d size=%d\n",
		path, rendered, id.ObjectID, id.Kind(), id.NLink(), id.Size())
}

func printStats(st dentry.Stats) {
	raw, _ := json.Marshal(st)
	fmt.Printf("stats: %s\n", string(raw))
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
