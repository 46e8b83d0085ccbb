package containers

// DefaultPassword is the root password baked into the SSH image recipe.
// It is fixed per image by design: this is a convenience for the local,
// broker-provisioned container use case spec.md documents. A deployment
// exposing this broker beyond a trusted local environment must randomize
// the password per container and deliver it to the session out-of-band
// rather than relying on this constant.
const DefaultPassword = "password123"

// DefaultUsername is the account the broker authenticates as once a
// container's sshd is ready.
const DefaultUsername = "root"

// dockerfile is the exact image recipe: a minimal Debian base installing
// an SSH daemon, provisioning root with DefaultPassword, permitting root
// password login, disabling PAM (so password auth doesn't route through
// the host's PAM stack inside the container), exposing port 22, and
// running sshd in the foreground so the container's main process is the
// daemon itself.
const dockerfile = `FROM debian:bookworm-slim

RUN apt-get update \
    && apt-get install -y --no-install-recommends openssh-server \
    && apt-get clean \
    && rm -rf /var/lib/apt/lists/*

RUN mkdir -p /run/sshd \
    && echo 'root:` + DefaultPassword + `' | chpasswd \
    && sed -ri 's/^#?PermitRootLogin.*/PermitRootLogin yes/' /etc/ssh/sshd_config \
    && sed -ri 's/^#?PasswordAuthentication.*/PasswordAuthentication yes/' /etc/ssh/sshd_config \
    && sed -ri 's/^UsePAM.*/UsePAM no/' /etc/ssh/sshd_config

EXPOSE 22

CMD ["/usr/sbin/sshd", "-D", "-e"]
`
