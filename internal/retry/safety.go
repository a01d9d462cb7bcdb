package retry

import (
	"errors"
	"regexp"
	"strings"
)

// ErrUnsafeCommand is returned when the safety policy rejects a custom
// command.
var ErrUnsafeCommand = errors.New("command failed security check")

// deniedPatterns reject a command when found anywhere in its lower-cased
// text.
var deniedPatterns = []string{
	// file system
	"rm -rf", "rm -r", "sudo rm", "format", "mkfs", "dd if=", "fdisk",
	"parted", "> /dev/", "truncate", "shred",
	// system control
	"shutdown", "reboot", "halt", "poweroff", "systemctl reboot", "systemctl poweroff",
	// firewall
	"iptables -f", "ufw --force", "ufw disable", "systemctl stop firewalld",
	// permissions
	"chmod 777", "chmod -r 777", "chown -r root", "chmod u+s",
	// network access
	"curl", "wget", "nc ", "netcat", "telnet", "ssh ", "scp ", "rsync",
	// code execution
	"python -c", "perl -e", "ruby -e", "node -e", "eval", "exec", "`", "$(",
	// users
	"passwd", "su ", "sudo su", "usermod", "userdel", "useradd",
	// sensitive files and directories
	"/etc/shadow", "/etc/passwd", "/etc/sudoers", "crontab",
	"/var/", "/etc/", "/root/", "/boot/", "/sys/", "/proc/kernel",
	// package management
	"apt install", "yum install", "dnf install", "pacman -s", "pkg install",
	// process kills
	"kill -9", "killall -9", "pkill -9",
}

// allowedPrefixes accept a command that starts with one of them.
var allowedPrefixes = []string{
	"systemctl --user start",
	"systemctl --user stop",
	"systemctl --user restart",
	"systemctl --user reload",
	"systemctl --user enable",
	"systemctl --user disable",
	"notify-send",
	"zenity",
	"kdialog",
	"echo ",
	"printf ",
	"logger ",
	"touch /tmp/",
	"mkdir -p /tmp/",
	"rm /tmp/",
	"gsettings set",
	"dconf write",
	"xrandr --output",
	"brightnessctl set",
	"amixer set",
	"amixer sset",
}

// allowedLaunchers accept commands that open an application window.
var allowedLaunchers = []*regexp.Regexp{
	regexp.MustCompile(`^firefox --new-window`),
	regexp.MustCompile(`^chromium --new-window`),
	regexp.MustCompile(`^google-chrome --new-window`),
	regexp.MustCompile(`^code --new-window`),
	regexp.MustCompile(`^alacritty -e`),
	regexp.MustCompile(`^gnome-terminal --`),
	regexp.MustCompile(`^konsole -e`),
}

// IsSafeCommand reports whether a custom command may run. Deny patterns
// win over the allow list, and anything not explicitly allowed is
// rejected.
func IsSafeCommand(cmd string) bool {
	return checkCommand(cmd) == ""
}

// checkCommand returns the reason cmd is rejected, or "" if it is allowed.
func checkCommand(cmd string) string {
	lower := strings.ToLower(strings.TrimSpace(cmd))
	if lower == "" {
		return "empty command"
	}
	for _, p := range deniedPatterns {
		if strings.Contains(lower, p) {
			return "matches denied pattern " + strings.TrimSpace(p)
		}
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(lower, p) {
			return ""
		}
	}
	for _, re := range allowedLaunchers {
		if re.MatchString(lower) {
			return ""
		}
	}
	return "not on the allow list"
}
