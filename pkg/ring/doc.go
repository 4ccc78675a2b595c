// Package ring holds the cluster partition map used to decide which shards
// are eligible for resharding.
//
// The map is a YAML export of the ring:
//
//	version: 12
//	shards:
//	  - name: 1.moray.example.com
//	    vnodes: 512
//	  - name: 2.moray.example.com
//	    vnodes: 512
//
// A Map can follow the file with Watch. Malformed updates are logged and
// ignored, leaving the last good map in place.
package ring
