package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// LocalhostOnly only lets loopback or allow-listed clients through.
type LocalhostOnly struct {
	logger     *logrus.Logger
	allowedIPs []string // exact IPs or CIDR ranges
}

func NewLocalhostOnly(logger *logrus.Logger, allowedIPs []string) *LocalhostOnly {
	return &LocalhostOnly{
		logger:     logger,
		allowedIPs: allowedIPs,
	}
}

// Restrict restricts access to localhost and the configured allow list.
func (l *LocalhostOnly) Restrict() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		remoteIP, _, _ := net.SplitHostPort(c.Request.RemoteAddr)

		if !l.isAllowedIP(clientIP) {
			// A misconfigured proxy chain must not lock out direct local access.
			if remoteIP == clientIP || !isLocalhost(remoteIP) {
				l.logger.WithFields(logrus.Fields{
					"client_ip":  clientIP,
					"remote_ip":  remoteIP,
					"path":       c.Request.URL.Path,
					"user_agent": c.GetHeader("User-Agent"),
				}).Warn("Reject non-whitelisted access to restricted endpoint")

				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"success": false,
					"error":   "This API is only accessible from allowed IP addresses",
					"code":    "IP_NOT_ALLOWED",
				})
				return
			}
		}
		c.Next()
	}
}

func isLocalhost(ip string) bool {
	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return ip == "localhost"
	}
	return parsedIP.IsLoopback()
}

// isAllowedIP checks ip against localhost and the allow list (CIDR aware).
func (l *LocalhostOnly) isAllowedIP(ip string) bool {
	if isLocalhost(ip) {
		return true
	}
	parsedIP := net.ParseIP(ip)
	for _, allowed := range l.allowedIPs {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		if parsedIP == nil {
			if ip == allowed {
				return true
			}
			continue
		}
		if strings.Contains(allowed, "/") {
			_, ipNet, err := net.ParseCIDR(allowed)
			if err != nil {
				l.logger.WithField("allowed", allowed).Warn("Invalid CIDR in allowedIPs")
				continue
			}
			if ipNet.Contains(parsedIP) {
				return true
			}
			continue
		}
		if allowedIP := net.ParseIP(allowed); allowedIP != nil && allowedIP.Equal(parsedIP) {
			return true
		}
	}
	return false
}
