// Copyright 2024 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

package conf

// Compiled-in defaults, used when a config field or the config file
// itself is absent.
const (
	DefaultStagingVolumeName  = "swifota"
	DefaultStoreDir           = "/data/swifota"
	DefaultPartitionTablePath = "/etc/swifota/partitions"
	DefaultConfigPath         = "/etc/swifota/config.json"
	DefaultPatchBinaryPath    = "/usr/bin/bspatch"
)
