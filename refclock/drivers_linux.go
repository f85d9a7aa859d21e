/*
Copyright (c) Facebook, Inc. and its affiliates.

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

package refclock

import "fmt"

// CreateDriver builds the driver for a configured refclock kind
func CreateDriver(name string) (Driver, error) {
	switch name {
	case "SHM":
		return &SHMDriver{}, nil
	case "SOCK":
		return &SOCKDriver{}, nil
	case "PPS":
		return &PPSDriver{}, nil
	case "PHC":
		return &PHCDriver{}, nil
	}
	return nil, fmt.Errorf("unknown refclock driver %q", name)
}
