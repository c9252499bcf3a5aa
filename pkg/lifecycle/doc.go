/*
Package lifecycle enforces the task status state machine.

States flow pending -> processing -> {completed | failed | cancelled},
with processing able to bounce through retrying on redelivery. Terminal
states are absorbing. The store consults this package before persisting
any status change so illegal transitions never reach disk.
*/
package lifecycle
