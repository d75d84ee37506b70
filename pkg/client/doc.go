// Package client manages MLSysOpsApp custom resources. The command line
// uses it to apply and delete apps, and the cluster agent uses it to store
// the apps the continuum forwards.
package client
